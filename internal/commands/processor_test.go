package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/rac-sentinel/internal/publication"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

type progressUpdate struct {
	percent int
	message string
}

type queueStore struct {
	pending  []*store.Command
	status   map[string]store.CommandStatus
	errors   map[string]string
	progress map[string][]progressUpdate
	fetchErr error
	markErr  error
}

func newQueueStore(cmds ...*store.Command) *queueStore {
	return &queueStore{
		pending:  cmds,
		status:   make(map[string]store.CommandStatus),
		errors:   make(map[string]string),
		progress: make(map[string][]progressUpdate),
	}
}

func (q *queueStore) NextPendingCommand(_ context.Context, _ string) (*store.Command, error) {
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	for _, c := range q.pending {
		if _, seen := q.status[c.ID]; !seen {
			return c, nil
		}
	}
	return nil, nil
}

func (q *queueStore) UpdateCommandStatus(_ context.Context, id string, status store.CommandStatus, msg string) error {
	if q.markErr != nil {
		return q.markErr
	}
	q.status[id] = status
	q.errors[id] = msg
	return nil
}

func (q *queueStore) UpdateCommandProgress(_ context.Context, id string, percent int, msg string) error {
	q.progress[id] = append(q.progress[id], progressUpdate{percent, msg})
	return nil
}

type update struct {
	site, appPath, binPath string
}

type fakePublisher struct {
	apps      []store.PublishedApp
	published []publication.Request
	updates   []update
	failSite  string
	panicOn   string
}

func (f *fakePublisher) ResolveBinPath(version string) (string, error) {
	if version == "missing" {
		return "", publication.ErrVersionNotInstalled
	}
	return "/opt/1cv8/x86_64/" + version, nil
}

func (f *fakePublisher) ListPublications() ([]store.PublishedApp, error) {
	return f.apps, nil
}

func (f *fakePublisher) Publish(_ context.Context, req publication.Request) error {
	if req.BaseName == f.panicOn {
		panic("webinst crashed")
	}
	f.published = append(f.published, req)
	return nil
}

func (f *fakePublisher) UpdateVersion(_ context.Context, site, appPath, binPath string) error {
	if site == f.failSite {
		return errors.New("config is read-only")
	}
	f.updates = append(f.updates, update{site, appPath, binPath})
	return nil
}

func command(id string, typ store.CommandType, payload any) *store.Command {
	raw, _ := json.Marshal(payload)
	return &store.Command{ID: id, Type: typ, Payload: raw, Status: store.CommandStatusPending}
}

func newTestProcessor(q *queueStore, pub *fakePublisher) *Processor {
	p := NewProcessor(q, pub, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	return p
}

func TestDrainPending_ProcessesQueueInOrder(t *testing.T) {
	q := newQueueStore(
		command("c1", store.CommandPublishNew, PublishNewPayload{Version: "8.3.24", BaseName: "acme", FolderPath: "/var/www/acme", ConnectionString: "Srvr=x;Ref=acme;"}),
		command("c2", store.CommandType("Reboot"), map[string]string{}),
		command("c3", store.CommandUpdatePublicationVersion, UpdatePublicationVersionPayload{SiteName: "acme", AppPath: "/acme", NewVersionBinPath: "/opt/8.3.25"}),
	)
	pub := &fakePublisher{}

	n, err := newTestProcessor(q, pub).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, store.CommandStatusCompleted, q.status["c1"])
	assert.Equal(t, store.CommandStatusFailed, q.status["c2"])
	assert.Contains(t, q.errors["c2"], ErrUnknownCommandType.Error())
	assert.Equal(t, store.CommandStatusCompleted, q.status["c3"])

	require.Len(t, pub.published, 1)
	assert.Equal(t, "acme", pub.published[0].BaseName)
	assert.Equal(t, []update{{"acme", "/acme", "/opt/8.3.25"}}, pub.updates)

	assert.Equal(t, []progressUpdate{
		{5, "Started"},
		{20, "Publishing acme"},
		{90, "Published acme"},
		{100, "Completed"},
	}, q.progress["c1"])
}

func TestDrainPending_StoreErrors(t *testing.T) {
	q := newQueueStore(command("c1", store.CommandMassUpdateVersions, MassUpdateVersionsPayload{TargetVersion: "8.3.25"}))
	q.fetchErr = errors.New("connection reset")

	n, err := newTestProcessor(q, &fakePublisher{}).DrainPending(context.Background(), "agent-1")
	assert.ErrorIs(t, err, q.fetchErr)
	assert.Zero(t, n)

	q.fetchErr = nil
	q.markErr = errors.New("read-only transaction")
	n, err = newTestProcessor(q, &fakePublisher{}).DrainPending(context.Background(), "agent-1")
	assert.ErrorIs(t, err, q.markErr)
	assert.Zero(t, n)
}

func TestDispatch_PanicMarksFailed(t *testing.T) {
	q := newQueueStore(command("c1", store.CommandPublishNew, PublishNewPayload{Version: "8.3.24", BaseName: "boom", FolderPath: "/x", ConnectionString: "y"}))

	_, err := newTestProcessor(q, &fakePublisher{panicOn: "boom"}).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusFailed, q.status["c1"])
	assert.Contains(t, q.errors["c1"], "webinst crashed")
}

func TestDispatch_InvalidPayload(t *testing.T) {
	q := newQueueStore(&store.Command{ID: "c1", Type: store.CommandPublish, Payload: json.RawMessage(`{"version":`)})

	_, err := newTestProcessor(q, &fakePublisher{}).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusFailed, q.status["c1"])
	assert.Contains(t, q.errors["c1"], ErrInvalidPayload.Error())
}

func TestPublish_UpdatesExistingPublication(t *testing.T) {
	pub := &fakePublisher{apps: []store.PublishedApp{
		{SiteName: "Acme", AppPath: "/acme/", Version: "8.3.22"},
	}}
	q := newQueueStore(command("c1", store.CommandPublish, PublishPayload{
		PublishNewPayload: PublishNewPayload{Version: "8.3.24", BaseName: "acme", FolderPath: "/var/www/acme", ConnectionString: "x"},
	}))

	_, err := newTestProcessor(q, pub).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, store.CommandStatusCompleted, q.status["c1"])
	assert.Empty(t, pub.published)
	assert.Equal(t, []update{{"Acme", "/acme/", "/opt/1cv8/x86_64/8.3.24"}}, pub.updates)
	assert.Equal(t, 40, q.progress["c1"][1].percent)
}

func TestPublish_FallsThroughToNewPublication(t *testing.T) {
	pub := &fakePublisher{apps: []store.PublishedApp{{SiteName: "other", AppPath: "/acme"}}}
	q := newQueueStore(command("c1", store.CommandPublish, PublishPayload{
		PublishNewPayload: PublishNewPayload{Version: "8.3.24", BaseName: "acme", FolderPath: "/var/www/acme", ConnectionString: "x"},
		SiteName:          "tenants",
	}))

	_, err := newTestProcessor(q, pub).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "tenants", pub.published[0].SiteName)
	assert.Empty(t, pub.updates)
}

func TestMassUpdateCandidates(t *testing.T) {
	apps := []store.PublishedApp{
		{SiteName: "a", Version: "8.3.22.1709"},
		{SiteName: "b", Version: "8.3.23.1"},
		{SiteName: "c", Version: "8.3.24.1467"},
		{SiteName: "d", Version: "8.3.22.1709"},
	}

	all := MassUpdateCandidates(apps, "", "8.3.24.1467")
	assert.Equal(t, []string{"a", "b", "d"}, sites(all))

	filtered := MassUpdateCandidates(apps, "8.3.22.1709", "8.3.24.1467")
	assert.Equal(t, []string{"a", "d"}, sites(filtered))

	assert.Equal(t, []string{"c"}, sites(MassUpdateCandidates(
		[]store.PublishedApp{{SiteName: "c", Version: "V1"}}, "v1", "v2")))
}

func TestMassUpdate_ToleratesFailuresAndThrottlesProgress(t *testing.T) {
	var apps []store.PublishedApp
	for i := 1; i <= 7; i++ {
		apps = append(apps, store.PublishedApp{SiteName: fmt.Sprintf("s%d", i), AppPath: "/b", Version: "8.3.22"})
	}
	apps = append(apps, store.PublishedApp{SiteName: "done", AppPath: "/b", Version: "8.3.24"})
	pub := &fakePublisher{apps: apps, failSite: "s2"}
	q := newQueueStore(command("c1", store.CommandMassUpdateVersions, MassUpdateVersionsPayload{TargetVersion: "8.3.24"}))

	_, err := newTestProcessor(q, pub).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, store.CommandStatusCompleted, q.status["c1"])
	assert.Len(t, pub.updates, 6)
	for _, u := range pub.updates {
		assert.Equal(t, "/opt/1cv8/x86_64/8.3.24", u.binPath)
	}
	assert.Equal(t, []progressUpdate{
		{5, "Started"},
		{10, "Found 7 publication(s) to update"},
		{44, "Updated 3/7, ok 2"},
		{78, "Updated 6/7, ok 5"},
		{90, "Updated 7/7, ok 6"},
		{100, "Completed"},
	}, q.progress["c1"])
}

func TestMassUpdate_TargetNotInstalled(t *testing.T) {
	q := newQueueStore(command("c1", store.CommandMassUpdateVersions, MassUpdateVersionsPayload{TargetVersion: "missing"}))

	_, err := newTestProcessor(q, &fakePublisher{}).DrainPending(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusFailed, q.status["c1"])
	assert.Contains(t, q.errors["c1"], publication.ErrVersionNotInstalled.Error())
}

func TestDecodePayload(t *testing.T) {
	_, err := DecodePayload(store.CommandMassUpdateVersions, json.RawMessage(`{"sourceVersion":"8.3.22"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(store.CommandPublishNew, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload("Nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownCommandType)

	got, err := DecodePayload(store.CommandPublish, json.RawMessage(
		`{"version":"8.3.24","baseName":"acme","folderPath":"/var/www/acme","connectionString":"x","siteName":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, PublishPayload{
		PublishNewPayload: PublishNewPayload{Version: "8.3.24", BaseName: "acme", FolderPath: "/var/www/acme", ConnectionString: "x"},
		SiteName:          "s",
	}, got)
}

func sites(apps []store.PublishedApp) []string {
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		out = append(out, a.SiteName)
	}
	return out
}
