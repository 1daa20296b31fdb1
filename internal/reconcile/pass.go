package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/businesstime"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pass holds the mutable state of one reconciliation pass.
type pass struct {
	engine     *Engine
	binding    binding
	calendarID string
	now        time.Time

	mu      sync.Mutex
	result  *Result
	seen    map[string]struct{}
	handled map[string]struct{}
}

func newPass(engine *Engine, b binding, calendarID string, result *Result) *pass {
	return &pass{
		engine:     engine,
		binding:    b,
		calendarID: calendarID,
		now:        engine.clock().UTC(),
		result:     result,
		seen:       map[string]struct{}{},
		handled:    map[string]struct{}{},
	}
}

func (p *pass) processRemote(ctx context.Context, remote calendar.RemoteEvent) error {
	p.markSeen(remote.ID)
	local, err := p.binding.store.FindByExternalID(ctx, remote.ID)
	if errors.Is(err, store.ErrNotFound) {
		return p.importRemote(ctx, remote)
	}
	if err != nil {
		return p.persistenceError("lookup_failed", err)
	}
	p.markHandled(local.RecordID())
	return p.resolveLinked(ctx, local, remote)
}

func (p *pass) resolveLinked(ctx context.Context, local records.Record, remote calendar.RemoteEvent) error {
	meta := local.Sync()
	if meta.LocallyEdited && meta.AppLastModifiedAt == nil {
		p.engine.logger.Warn("locally edited record has no edit time, treating edit as oldest",
			zap.String("kind", string(p.binding.mapper.kind())),
			zap.String("record_id", local.RecordID()))
	}

	switch state := deriveState(meta, remote); state {
	case InSyncClean:
		return nil
	case RemoteAhead:
		return p.pull(ctx, local, remote)
	case LocalAhead:
		return p.push(ctx, local)
	default:
		if remoteWins(remote.UpdatedAt, meta.AppLastModifiedAt) {
			return p.pull(ctx, local, remote)
		}
		return p.push(ctx, local)
	}
}

// importRemote creates a local record for a remote event. An event that
// carries the identifier of an unlinked local record is adopted instead, which
// heals a push whose response was never persisted.
func (p *pass) importRemote(ctx context.Context, remote calendar.RemoteEvent) error {
	if adopted, err := p.adopt(ctx, remote); adopted || err != nil {
		return err
	}

	id, err := p.engine.idProvider.NewID()
	if err != nil {
		return p.persistenceError("id_generation_failed", err)
	}
	record := p.binding.mapper.newRecord(id, p.now)
	p.binding.mapper.fromRemote(record, remote, true)
	record.Sync().Link(remote.ID, remote.VersionTag, remote.UpdatedAt, p.now)
	if err := p.binding.store.Create(ctx, record); err != nil {
		return p.persistenceError("create_failed", err)
	}
	p.markHandled(id)
	if err := p.binding.mapper.afterWrite(ctx, nil, record); err != nil {
		return p.persistenceError("after_write_failed", err)
	}
	p.update(func(result *Result) { result.Created++ })
	return nil
}

func (p *pass) adopt(ctx context.Context, remote calendar.RemoteEvent) (bool, error) {
	localID := remote.ExtendedProperties[propertyRecordID]
	if localID == "" || remote.ExtendedProperties[propertyKind] != string(p.binding.mapper.kind()) {
		return false, nil
	}
	local, err := p.binding.store.FindByID(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, p.persistenceError("lookup_failed", err)
	}
	meta := local.Sync()
	if meta.Linked() {
		return false, nil
	}

	guard := meta.Guard()
	meta.Link(remote.ID, remote.VersionTag, remote.UpdatedAt, p.now)
	p.markHandled(local.RecordID())
	if saved, err := p.commit(ctx, local, guard); err != nil || !saved {
		return true, err
	}
	p.engine.logger.Info("adopted remote event created by an earlier push",
		zap.String("kind", string(p.binding.mapper.kind())),
		zap.String("record_id", local.RecordID()),
		zap.String("external_id", remote.ID))
	if meta.LocallyEdited {
		return true, p.push(ctx, local)
	}
	return true, nil
}

// pull overwrites the local record with the remote version.
func (p *pass) pull(ctx context.Context, local records.Record, remote calendar.RemoteEvent) error {
	guard := local.Sync().Guard()
	before := p.binding.mapper.snapshot(local)
	p.binding.mapper.fromRemote(local, remote, false)
	meta := local.Sync()
	meta.Observe(remote.VersionTag, remote.UpdatedAt, p.now)
	meta.ClearLocalEdit()
	if saved, err := p.commit(ctx, local, guard); err != nil || !saved {
		return err
	}
	if err := p.binding.mapper.afterWrite(ctx, before, local); err != nil {
		return p.persistenceError("after_write_failed", err)
	}
	p.update(func(result *Result) { result.Updated++ })
	return nil
}

// push writes the local edit of a linked record to the calendar.
func (p *pass) push(ctx context.Context, local records.Record) error {
	if !local.Active() {
		return p.pushDeletion(ctx, local)
	}
	meta := local.Sync()
	guard := meta.Guard()

	ctx, span := tracer.Start(ctx, "reconcile.push")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", local.RecordID()), attribute.String("external_id", meta.ExternalIDValue()))

	version, err := p.engine.calendar.UpdateEvent(ctx, p.calendarID, meta.ExternalIDValue(), p.binding.mapper.toInput(local))
	if errors.Is(err, calendar.ErrNotFound) {
		p.engine.logger.Info("remote event vanished before push, applying deletion",
			zap.String("kind", string(p.binding.mapper.kind())),
			zap.String("record_id", local.RecordID()))
		return p.retire(ctx, local)
	}
	if err != nil {
		span.RecordError(err)
		p.pushFailed(local, err)
		return nil
	}

	meta.Observe(version.VersionTag, version.UpdatedAt, p.now)
	meta.ClearLocalEdit()
	if err := p.commitAfterRemoteWrite(ctx, local, guard); err != nil {
		return err
	}
	p.update(func(result *Result) { result.PushedToCalendar++ })
	return nil
}

// pushDeletion removes the remote event of a locally deactivated record.
func (p *pass) pushDeletion(ctx context.Context, local records.Record) error {
	meta := local.Sync()
	guard := meta.Guard()
	err := p.engine.calendar.DeleteEvent(ctx, p.calendarID, meta.ExternalIDValue())
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		p.pushFailed(local, err)
		return nil
	}
	meta.Unlink(p.now)
	if err := p.commitAfterRemoteWrite(ctx, local, guard); err != nil {
		return err
	}
	p.update(func(result *Result) { result.PushedToCalendar++ })
	return nil
}

// pushCreate writes a never-pushed record to the calendar.
func (p *pass) pushCreate(ctx context.Context, local records.Record) error {
	meta := local.Sync()
	guard := meta.Guard()
	if !local.Active() {
		if !meta.LocallyEdited {
			return nil
		}
		meta.ClearLocalEdit()
		_, err := p.commit(ctx, local, guard)
		return err
	}

	ctx, span := tracer.Start(ctx, "reconcile.create")
	defer span.End()
	span.SetAttributes(attribute.String("record_id", local.RecordID()))

	version, err := p.engine.calendar.CreateEvent(ctx, p.calendarID, p.binding.mapper.toInput(local))
	if err != nil {
		span.RecordError(err)
		p.pushFailed(local, err)
		return nil
	}
	meta.Link(version.ID, version.VersionTag, version.UpdatedAt, p.now)
	meta.ClearLocalEdit()
	if err := p.commitAfterRemoteWrite(ctx, local, guard); err != nil {
		return err
	}
	p.update(func(result *Result) { result.PushedToCalendar++ })
	return nil
}

// retire applies the deletion policy of the kind to a record whose remote event is gone.
func (p *pass) retire(ctx context.Context, local records.Record) error {
	guard := local.Sync().Guard()
	before := p.binding.mapper.snapshot(local)
	if p.binding.mapper.retire(local) {
		deleted, err := p.binding.store.DeleteIfUnchanged(ctx, local, guard)
		if err != nil {
			return p.persistenceError("delete_failed", err)
		}
		if !deleted {
			p.deferConcurrentEdit(local)
			return nil
		}
	} else {
		local.Sync().Unlink(p.now)
		if saved, err := p.commit(ctx, local, guard); err != nil || !saved {
			return err
		}
	}
	if err := p.binding.mapper.afterWrite(ctx, before, local); err != nil {
		return p.persistenceError("after_write_failed", err)
	}
	p.update(func(result *Result) { result.DeactivatedOrDeleted++ })
	return nil
}

// commit saves a reconciliation write unless the record was edited locally
// after it was read; such a record is left for the next pass to re-derive.
func (p *pass) commit(ctx context.Context, local records.Record, guard records.SyncGuard) (bool, error) {
	saved, err := p.binding.store.SaveIfUnchanged(ctx, local, guard)
	if err != nil {
		return false, p.persistenceError("save_failed", err)
	}
	if !saved {
		p.deferConcurrentEdit(local)
	}
	return saved, nil
}

// commitAfterRemoteWrite is commit for writes the calendar already accepted.
// When a local edit raced the push, the new remote identity and version are
// still stored so the edit is pushed on top of them next pass.
func (p *pass) commitAfterRemoteWrite(ctx context.Context, local records.Record, guard records.SyncGuard) error {
	saved, err := p.commit(ctx, local, guard)
	if err != nil || saved {
		return err
	}
	if err := p.binding.store.SaveSyncState(ctx, local); err != nil {
		return p.persistenceError("save_failed", err)
	}
	return nil
}

func (p *pass) deferConcurrentEdit(local records.Record) {
	p.engine.logger.Info("record edited locally during reconcile, deferring to next pass",
		zap.String("kind", string(p.binding.mapper.kind())),
		zap.String("record_id", local.RecordID()))
}

// detectDeletions retires active linked records dated inside the fetch window
// whose remote events were not listed.
func (p *pass) detectDeletions(ctx context.Context, windowStart businesstime.Date) error {
	linked, err := p.binding.store.ListLinked(ctx)
	if err != nil {
		return p.persistenceError("list_failed", err)
	}
	for _, local := range linked {
		if !local.Active() || local.SyncDate().Before(windowStart) {
			continue
		}
		if p.wasSeen(local.Sync().ExternalIDValue()) || p.wasHandled(local.RecordID()) {
			continue
		}
		p.markHandled(local.RecordID())
		if err := p.retire(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

// pushPending writes never-pushed records and edits of records absent from the listing.
func (p *pass) pushPending(ctx context.Context) error {
	pending, err := p.binding.store.ListPending(ctx)
	if err != nil {
		return p.persistenceError("list_failed", err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.engine.workerLimit)
	for _, local := range pending {
		if p.wasHandled(local.RecordID()) {
			continue
		}
		group.Go(func() error {
			if !local.Sync().Linked() {
				return p.pushCreate(groupCtx, local)
			}
			return p.push(groupCtx, local)
		})
	}
	return group.Wait()
}

func (p *pass) pushFailed(local records.Record, err error) {
	fields := []zap.Field{
		zap.String("kind", string(p.binding.mapper.kind())),
		zap.String("record_id", local.RecordID()),
		zap.Error(err),
	}
	if errors.Is(err, calendar.ErrReadOnly) {
		p.engine.logger.Debug("calendar is read-only, local edit kept", fields...)
		return
	}
	p.engine.logger.Warn("calendar push failed, local edit kept", fields...)
	p.update(func(result *Result) {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", local.RecordID(), err))
	})
}

func (p *pass) persistenceError(reason string, err error) error {
	return newServiceError(opReconcile, reason, err)
}

func (p *pass) update(apply func(result *Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	apply(p.result)
}

func (p *pass) markSeen(externalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[externalID] = struct{}{}
}

func (p *pass) wasSeen(externalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[externalID]
	return ok
}

func (p *pass) markHandled(recordID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled[recordID] = struct{}{}
}

func (p *pass) wasHandled(recordID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handled[recordID]
	return ok
}
