package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/EternisAI/rac-sentinel/internal/store"
)

var (
	ErrUnknownCommandType = errors.New("unknown command type")
	ErrInvalidPayload     = errors.New("invalid command payload")
)

type PublishNewPayload struct {
	Version          string `json:"version"`
	BaseName         string `json:"baseName"`
	FolderPath       string `json:"folderPath"`
	ConnectionString string `json:"connectionString"`
}

type PublishPayload struct {
	PublishNewPayload
	SiteName string `json:"siteName,omitempty"`
}

type UpdatePublicationVersionPayload struct {
	SiteName          string `json:"siteName"`
	AppPath           string `json:"appPath"`
	NewVersionBinPath string `json:"newVersionBinPath"`
}

type MassUpdateVersionsPayload struct {
	SourceVersion string `json:"sourceVersion"`
	TargetVersion string `json:"targetVersion"`
}

// DecodePayload parses and validates the payload of a command type. The
// result is one of the *Payload types.
func DecodePayload(commandType store.CommandType, raw json.RawMessage) (any, error) {
	switch commandType {
	case store.CommandPublishNew:
		var p PublishNewPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case store.CommandPublish:
		var p PublishPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil

	case store.CommandUpdatePublicationVersion:
		var p UpdatePublicationVersionPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SiteName) == "" || strings.TrimSpace(p.NewVersionBinPath) == "" {
			return nil, fmt.Errorf("%w: siteName and newVersionBinPath are required", ErrInvalidPayload)
		}
		return p, nil

	case store.CommandMassUpdateVersions:
		var p MassUpdateVersionsPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.TargetVersion) == "" {
			return nil, fmt.Errorf("%w: targetVersion is required", ErrInvalidPayload)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommandType, commandType)
	}
}

func (p PublishNewPayload) validate() error {
	if strings.TrimSpace(p.Version) == "" || strings.TrimSpace(p.BaseName) == "" ||
		strings.TrimSpace(p.FolderPath) == "" || strings.TrimSpace(p.ConnectionString) == "" {
		return fmt.Errorf("%w: version, baseName, folderPath and connectionString are required", ErrInvalidPayload)
	}
	return nil
}

func decode(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
