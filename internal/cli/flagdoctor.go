package cli

// validateFlags centralizes flag combinations shared by the long-running commands.
func validateFlags(globals *Globals, hold bool) error {
	if globals == nil {
		return nil
	}
	// quiet text output would print nothing at all
	if globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	// a held switch is only observable through its ready line
	if hold && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--hold cannot be combined with --quiet", "drop --quiet so the ready line is written")
	}
	return nil
}
