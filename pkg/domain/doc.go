// Package domain defines the core types shared by the device-policy
// administration engine: administrators, enterprise info, managed events,
// and the stable error-code bands returned to callers.
//
// This package contains pure domain types with ZERO external dependencies
// outside the Go standard library. Everything here is:
//
// - Independent of infrastructure (no database, transport, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (adminreg, policystore, engine, storage) depend on these
// types; the dependency direction is always infrastructure → domain.
package domain
