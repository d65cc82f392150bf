package plugins

import (
	"context"
	"errors"

	"kdeconnect-service/protocol"
)

// SFTPBody describes an SFTP server the remote device started for browsing.
type SFTPBody struct {
	IP           string   `json:"ip,omitempty"`
	Port         int      `json:"port,omitempty"`
	User         string   `json:"user,omitempty"`
	Password     string   `json:"password,omitempty"`
	Path         string   `json:"path,omitempty"`
	MultiPaths   []string `json:"multiPaths,omitempty"`
	PathNames    []string `json:"pathNames,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
}

type sftpRequestBody struct {
	StartBrowsing bool `json:"startBrowsing"`
}

// SFTP asks a remote device to expose its storage over SFTP.
type SFTP struct {
	base
}

func NewSFTP() *SFTP { return &SFTP{} }

func (s *SFTP) Name() string            { return NameSFTP }
func (s *SFTP) IncomingTypes() []string { return []string{protocol.TypeSFTP} }
func (s *SFTP) OutgoingTypes() []string { return []string{protocol.TypeSFTPRequest} }

func (s *SFTP) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[SFTPBody](packet)
	if err != nil {
		return err
	}
	if body.ErrorMessage != "" {
		return errors.New("remote sftp: " + body.ErrorMessage)
	}
	s.emit(deviceID, protocol.TypeSFTP, body)
	return nil
}

// StartBrowsing asks deviceID to start its SFTP server.
func (s *SFTP) StartBrowsing(deviceID string) error {
	return s.send(deviceID, protocol.TypeSFTPRequest, sftpRequestBody{StartBrowsing: true})
}
