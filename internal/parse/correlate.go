package parse

// Correlator matches tool_result blocks to the ToolUsage that produced them.
// It holds only invocations still awaiting a result; a resolved identifier is
// retired so a second result for it counts as a miss.
type Correlator struct {
	open map[string]*ToolUsage
}

func NewCorrelator() *Correlator {
	return &Correlator{open: make(map[string]*ToolUsage)}
}

// Track registers a pending invocation. It returns false if the identifier is
// already awaiting a result.
func (c *Correlator) Track(t *ToolUsage) bool {
	if _, ok := c.open[t.ID]; ok {
		return false
	}
	c.open[t.ID] = t
	return true
}

// Resolve sets the result for toolUseID. It reports whether an open invocation
// was found; on a miss nothing is created.
func (c *Correlator) Resolve(toolUseID, result string, isError bool) bool {
	t, ok := c.open[toolUseID]
	if !ok {
		return false
	}
	t.Result = &result
	t.IsError = isError
	delete(c.open, toolUseID)
	return true
}

// Pending is the number of invocations that never received a result.
func (c *Correlator) Pending() int {
	return len(c.open)
}
