package reconcile

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
)

func timePointer(value time.Time) *time.Time {
	return &value
}

func TestRemoteWins(t *testing.T) {
	localEdit := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	testCases := []struct {
		name   string
		remote *time.Time
		local  *time.Time
		want   bool
	}{
		{name: "remote strictly newer", remote: timePointer(localEdit.Add(time.Second)), local: &localEdit, want: true},
		{name: "equal timestamps keep local", remote: timePointer(localEdit), local: &localEdit, want: false},
		{name: "remote older", remote: timePointer(localEdit.Add(-time.Hour)), local: &localEdit, want: false},
		{name: "missing remote timestamp", remote: nil, local: &localEdit, want: false},
		{name: "missing local timestamp", remote: timePointer(localEdit), local: nil, want: true},
		{name: "both missing", remote: nil, local: nil, want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := remoteWins(testCase.remote, testCase.local); got != testCase.want {
				t.Fatalf("remoteWins() = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestDeriveState(t *testing.T) {
	seenAt := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	linked := func(edited bool) *records.SyncMetadata {
		meta := &records.SyncMetadata{}
		meta.Link("remote-1", `"etag-1"`, &seenAt, seenAt)
		if edited {
			meta.MarkLocallyEdited(seenAt.Add(time.Minute))
		}
		return meta
	}
	unchanged := calendar.RemoteEvent{ID: "remote-1", VersionTag: `"etag-1"`, UpdatedAt: timePointer(seenAt)}
	retagged := calendar.RemoteEvent{ID: "remote-1", VersionTag: `"etag-2"`, UpdatedAt: timePointer(seenAt)}
	touched := calendar.RemoteEvent{ID: "remote-1", VersionTag: `"etag-1"`, UpdatedAt: timePointer(seenAt.Add(time.Hour))}

	testCases := []struct {
		name   string
		meta   *records.SyncMetadata
		remote calendar.RemoteEvent
		want   State
	}{
		{name: "unlinked", meta: &records.SyncMetadata{}, remote: unchanged, want: NotPushed},
		{name: "clean", meta: linked(false), remote: unchanged, want: InSyncClean},
		{name: "remote retagged", meta: linked(false), remote: retagged, want: RemoteAhead},
		{name: "remote touched", meta: linked(false), remote: touched, want: RemoteAhead},
		{name: "local edit only", meta: linked(true), remote: unchanged, want: LocalAhead},
		{name: "both sides changed", meta: linked(true), remote: retagged, want: BothChanged},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := deriveState(testCase.meta, testCase.remote); got != testCase.want {
				t.Fatalf("deriveState() = %s, want %s", got, testCase.want)
			}
		})
	}
}
