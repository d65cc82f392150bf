package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"kdeconnect-service/protocol"
)

// Command is one entry of a remote device's command list.
type Command struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

// runCommandBody carries the command list as a JSON-encoded string, keyed by command id.
type runCommandBody struct {
	CommandList string `json:"commandList"`
}

type runCommandRequestBody struct {
	Key                string `json:"key,omitempty"`
	RequestCommandList bool   `json:"requestCommandList,omitempty"`
}

// CommandListEvent is the capability payload for a received command list.
type CommandListEvent struct {
	Commands []Command `json:"commands"`
}

// RunCommand triggers commands a remote device has configured.
type RunCommand struct {
	base
}

func NewRunCommand() *RunCommand { return &RunCommand{} }

func (r *RunCommand) Name() string            { return NameRunCommand }
func (r *RunCommand) IncomingTypes() []string { return []string{protocol.TypeRunCommand} }
func (r *RunCommand) OutgoingTypes() []string { return []string{protocol.TypeRunCommandRequest} }

func (r *RunCommand) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[runCommandBody](packet)
	if err != nil {
		return err
	}
	commands, err := parseCommandList(body.CommandList)
	if err != nil {
		return err
	}
	r.emit(deviceID, protocol.TypeRunCommand, CommandListEvent{Commands: commands})
	return nil
}

func parseCommandList(raw string) ([]Command, error) {
	if raw == "" {
		return []Command{}, nil
	}
	var entries map[string]struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode command list: %w", err)
	}
	commands := make([]Command, 0, len(entries))
	for key, entry := range entries {
		commands = append(commands, Command{Key: key, Name: entry.Name, Command: entry.Command})
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands, nil
}

// Execute runs the command stored under key on deviceID.
func (r *RunCommand) Execute(deviceID, key string) error {
	return r.send(deviceID, protocol.TypeRunCommandRequest, runCommandRequestBody{Key: key})
}

// RequestList asks deviceID for its command list.
func (r *RunCommand) RequestList(deviceID string) error {
	return r.send(deviceID, protocol.TypeRunCommandRequest, runCommandRequestBody{RequestCommandList: true})
}
