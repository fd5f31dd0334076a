package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	threadCmds
	stackCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the program", runCmds},
	{"Manipulating breakpoints, watchpoints and catchpoints", breakCmds},
	{"Viewing registers and memory", dataCmds},
	{"Listing and switching between threads", threadCmds},
	{"Viewing the call stack and selecting frames", stackCmds},
	{"Other commands", otherCmds},
}
