package jit

// Backend turns recorded traces into executable code. Guard failures
// and FINISH leave compiled code through a DeadFrame.
type Backend interface {
	CompileLoop(token *LoopToken, inputargs []*Box, ops []*Operation) error
	CompileBridge(guard *ResumeGuardDescr, inputargs []*Box, ops []*Operation) error
	Execute(token *LoopToken, args []Value) (*DeadFrame, error)

	// Force marks the running activation that produced token as forced.
	// It returns the GUARD_NOT_FORCED that follows the activation's
	// pending call, together with that guard's current fail values.
	Force(token int64) (*ResumeGuardDescr, []Value, error)
}
