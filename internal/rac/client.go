package rac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrTerminateRejected = errors.New("session termination rejected by the administration tool")

// Target describes where and how to reach the cluster's administration
// server.
type Target struct {
	Executable string
	Host       string
	Timeout    time.Duration
	User       string
	Password   string
}

type Session struct {
	ID         string
	InfobaseID string
	UserName   string
	AppID      string
	Host       string
	StartedAt  time.Time
	Database   string // resolved infobase name, empty when unknown
}

type Client struct {
	runner Runner
	target Target
}

func NewClient(runner Runner, target Target) *Client {
	return &Client{runner: runner, target: target}
}

// ClusterID returns the id of the first cluster the server reports, or an
// empty string when the server reports none.
func (c *Client) ClusterID(ctx context.Context) (string, error) {
	records, err := c.query(ctx, []string{"cluster", "list"})
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if id := r.Get("cluster"); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// Infobases maps infobase id to infobase name.
func (c *Client) Infobases(ctx context.Context, clusterID string) (map[string]string, error) {
	records, err := c.query(ctx, c.clusterArgs(clusterID, "infobase", "summary", "list"))
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(records))
	for _, r := range records {
		id := r.Get("infobase")
		if id == "" {
			continue
		}
		result[strings.ToLower(id)] = r.Get("name")
	}
	return result, nil
}

func (c *Client) Sessions(ctx context.Context, clusterID string) ([]Session, error) {
	records, err := c.query(ctx, c.clusterArgs(clusterID, "session", "list"))
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(records))
	for _, r := range records {
		id := r.Get("session")
		if id == "" {
			continue
		}
		s := Session{
			ID:         id,
			InfobaseID: r.Get("infobase"),
			UserName:   r.Get("user-name"),
			AppID:      r.Get("app-id"),
			Host:       r.Get("host"),
		}
		if started, ok := ParseTime(r.Get("started-at")); ok {
			s.StartedAt = started
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (c *Client) TerminateSession(ctx context.Context, clusterID, sessionID string) error {
	args := c.clusterArgs(clusterID, "session", "terminate")
	args = append(args, "--session="+sessionID)

	res, err := c.runner.Run(ctx, c.target.Executable, c.target.Host, args, c.target.Timeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w: exit code %d", ErrTerminateRejected, res.ExitCode)
	}
	return nil
}

func (c *Client) query(ctx context.Context, args []string) ([]*Record, error) {
	res, err := c.runner.Run(ctx, c.target.Executable, c.target.Host, args, c.target.Timeout)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, nil
	}
	return ParseBlocks(res.Output), nil
}

func (c *Client) clusterArgs(clusterID string, verbs ...string) []string {
	args := append([]string{}, verbs...)
	args = append(args, "--cluster="+clusterID)
	if c.target.User != "" {
		args = append(args, "--cluster-user="+c.target.User, "--cluster-pwd="+c.target.Password)
	}
	return args
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "--cluster-pwd=") {
			a = "--cluster-pwd=***"
		}
		out[i] = a
	}
	return out
}

// Failure is the outcome class of a tool interaction.
type Failure int

const (
	FailureNone Failure = iota
	FailureNotFound
	FailureTimeout
	FailureOther
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureNotFound:
		return "binary_not_found"
	case FailureTimeout:
		return "timeout"
	default:
		return "other"
	}
}

func Classify(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrBinaryNotFound):
		return FailureNotFound
	case errors.Is(err, ErrCommandTimedOut):
		return FailureTimeout
	default:
		return FailureOther
	}
}
