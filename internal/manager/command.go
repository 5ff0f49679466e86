package manager

import (
	"fmt"
	"sort"
	"strings"

	"frameworks/api_tunnel/internal/apperr"
)

// Command is one facade operation.
type Command int

const (
	CommandStatus Command = iota + 1
	CommandAddPeer
	CommandRotate
	CommandRevoke
	CommandMonitor
	CommandStartServer
	CommandStopServer
	CommandStartClient
	CommandStopClient
)

var commandNames = map[Command]string{
	CommandStatus:      "status",
	CommandAddPeer:     "add-peer",
	CommandRotate:      "rotate",
	CommandRevoke:      "revoke",
	CommandMonitor:     "monitor",
	CommandStartServer: "start-server",
	CommandStopServer:  "stop-server",
	CommandStartClient: "start-client",
	CommandStopClient:  "stop-client",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// ParseCommand maps a CLI name to its Command.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, &apperr.UsageError{Msg: fmt.Sprintf("unknown command %q (want one of %s)", name, strings.Join(CommandNames(), ", "))}
}

// CommandNames lists every command name, sorted.
func CommandNames() []string {
	out := make([]string, 0, len(commandNames))
	for _, n := range commandNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Request carries a command and its arguments.
type Request struct {
	Command   Command
	Name      string // peer name for add-peer, rotate, revoke
	AllowedIP string // add-peer
}

// Result is what a command produced, shaped for the CLI's output formats.
type Result struct {
	Command string    `json:"command" yaml:"command"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
	Status  *Status   `json:"status,omitempty" yaml:"status,omitempty"`
	Peer    *PeerView `json:"peer,omitempty" yaml:"peer,omitempty"`
	Bundle  string    `json:"bundle,omitempty" yaml:"bundle,omitempty"`
}

func (r Request) validate() error {
	needsName := r.Command == CommandAddPeer || r.Command == CommandRotate || r.Command == CommandRevoke
	if needsName && r.Name == "" {
		return &apperr.UsageError{Msg: fmt.Sprintf("%s requires a peer name", r.Command)}
	}
	if r.Command == CommandAddPeer && r.AllowedIP == "" {
		return &apperr.UsageError{Msg: "add-peer requires an allowed IP"}
	}
	return nil
}
