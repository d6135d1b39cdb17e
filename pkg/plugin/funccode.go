package plugin

// Operation codes pack the operate kind and the stable policy code into one
// integer: the kind occupies the byte above a 24-bit policy code. The
// layout is an external contract with transport bindings.

const (
	operateShift      = 24
	policyCodeMask    = 0x00FFFFFF
	operateMask       = 0xFF
	maxPolicyCode     = policyCodeMask
	maxOperateEncoded = uint32(OperateSet)
)

// Key combines an operate kind with a policy code into a dispatch key.
func Key(op OperateType, policyCode uint32) uint32 {
	return uint32(op)<<operateShift | (policyCode & policyCodeMask)
}

// Split breaks a dispatch key into its operate kind and policy code. ok is
// false when the key encodes an unknown operate kind or an out-of-range
// policy code.
func Split(key uint32) (op OperateType, policyCode uint32, ok bool) {
	op = OperateType(key >> operateShift & operateMask)
	policyCode = key & policyCodeMask
	if uint32(op) > maxOperateEncoded {
		return 0, 0, false
	}
	return op, policyCode, true
}
