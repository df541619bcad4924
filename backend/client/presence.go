package client

import (
	"otsync/backend/types"
)

// LocalPresence tracks this client's own presence value. The value follows
// every local and remote op so the flushed report is always current.
// Methods assume the document lock is held.
type LocalPresence struct {
	doc     *Doc
	value   any
	sending bool
}

// submit records a new value and schedules a flush. A flush waits for the
// pending-op queue to drain so the reported version is a committed one, and
// only the newest value is sent.
func (l *LocalPresence) submit(value any) {
	l.value = value
	if l.sending {
		return
	}
	l.sending = true
	go l.flush()
}

func (l *LocalPresence) flush() {
	l.doc.WaitNoPending()
	d := l.doc
	d.mu.Lock()
	l.sending = false
	value := l.value
	version := d.version
	stream := d.stream
	closed := d.closed
	d.mu.Unlock()
	if closed || stream == nil {
		return
	}
	msg := &types.Message{
		Type:     types.MessagePresence,
		ClientID: d.conf.ClientID,
		Presence: &types.Presence{Version: version, Content: value},
	}
	if err := stream.Send(msg); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to send presence")
	}
}

// onOp rebases the value through a batch of applied op contents.
func (l *LocalPresence) onOp(contents []any, clientIDs []string) {
	if l.value == nil {
		return
	}
	value, err := l.doc.runner.TransformPresenceValue(l.doc.conf.ClientID, l.value, contents, clientIDs)
	if err != nil {
		l.doc.logger.Error().Err(err).Msg("Failed to transform presence")
		l.value = nil
		return
	}
	l.value = value
}

// presenceItem is one remote client's presence: the synced value plus, when
// the report referenced a version this document has not reached, the raw
// report parked until it can be bridged.
type presenceItem struct {
	pending *types.Presence
	normal  *types.Presence
}

// RemotePresence tracks the presence values of other clients. Reports
// reference the committed version their sender observed; serverOps keeps a
// bounded window of committed ops so stale reports can be bridged to the
// local state. Reports older than the window are dropped. Methods assume
// the document lock is held.
type RemotePresence struct {
	doc       *Doc
	limit     int
	items     map[string]*presenceItem
	serverOps []types.Op
}

func newRemotePresence(d *Doc, limit int) *RemotePresence {
	return &RemotePresence{doc: d, limit: limit, items: make(map[string]*presenceItem)}
}

// onRemoteOp extends the committed-op window with one confirmed run.
func (r *RemotePresence) onRemoteOp(e RemoteOpEvent) {
	r.serverOps = append(r.serverOps, e.PrevOps...)
	if e.SourceOp != nil {
		r.serverOps = append(r.serverOps, *e.SourceOp)
	}
	r.serverOps = append(r.serverOps, e.AfterOps...)
	if len(r.serverOps) > r.limit {
		r.serverOps = r.serverOps[len(r.serverOps)-r.limit:]
	}
}

// onPresenceMessage folds one presence report in. When changed is non-nil
// the caller collects changes and fires the event itself.
func (r *RemotePresence) onPresenceMessage(clientID string, p types.Presence, changed map[string]any) {
	d := r.doc
	if clientID == d.conf.ClientID {
		return
	}
	fire := changed == nil
	if fire {
		changed = map[string]any{}
	}
	if p.Content == nil {
		if _, ok := r.items[clientID]; ok {
			delete(r.items, clientID)
			changed[clientID] = nil
		}
	} else {
		content, err := d.runner.DecodePresence(p.Content)
		if err != nil {
			d.logger.Error().Err(err).Str("from", clientID).Msg("Failed to decode presence")
			return
		}
		p.Content = content
		item := r.items[clientID]
		if item == nil {
			item = &presenceItem{}
			r.items[clientID] = item
		}
		if synced := r.syncPresence(clientID, &p); synced != nil {
			item.pending = nil
			item.normal = synced
			changed[clientID] = synced.Content
		} else {
			item.pending = &p
		}
	}
	if fire && len(changed) > 0 {
		d.remotePresenceEmitter.emit(RemotePresenceEvent{Changed: changed})
	}
}

// syncRemotePresences follows a batch of applied op contents: synced values
// are transformed along, and parked reports get another chance to bridge.
// For local (source) ops the version has not advanced, so only synced
// values move.
func (r *RemotePresence) syncRemotePresences(contents []any, clientIDs []string, onlyNormal bool) {
	d := r.doc
	changed := map[string]any{}
	for clientID, item := range r.items {
		if !onlyNormal && item.pending != nil {
			if synced := r.syncPresence(clientID, item.pending); synced != nil {
				item.pending = nil
				item.normal = synced
				changed[clientID] = synced.Content
				continue
			}
		}
		if item.normal == nil || item.normal.Content == nil {
			continue
		}
		value, err := d.runner.TransformPresenceValue(clientID, item.normal.Content, contents, clientIDs)
		if err != nil {
			d.logger.Error().Err(err).Str("from", clientID).Msg("Failed to transform presence")
			continue
		}
		item.normal.Content = value
		changed[clientID] = value
	}
	if len(changed) > 0 {
		d.remotePresenceEmitter.emit(RemotePresenceEvent{Changed: changed})
	}
}

// syncPresence bridges a report to the local state: first through the
// committed ops its sender had not seen, then through the local pending
// ops. Returns nil when the report is ahead of this document or has fallen
// out of the committed-op window.
func (r *RemotePresence) syncPresence(clientID string, p *types.Presence) *types.Presence {
	d := r.doc
	if p.Version > d.version {
		return nil
	}
	value := p.Content
	if p.Version < d.version {
		idx := -1
		for i := len(r.serverOps) - 1; i >= 0; i-- {
			if r.serverOps[i].Version == p.Version {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		var err error
		value, err = d.runner.TransformPresenceOps(clientID, value, r.serverOps[idx:])
		if err != nil || value == nil {
			return nil
		}
	}
	pending := d.pendingOps
	if d.inflightOp != nil {
		pending = append([]*types.PendingOp{d.inflightOp}, pending...)
	}
	for _, po := range pending {
		var err error
		value, err = d.runner.TransformPresenceValue(clientID, value, []any{po.Op.Content}, []string{po.Op.ClientID})
		if err != nil || value == nil {
			return nil
		}
	}
	return &types.Presence{Version: d.version, Content: value}
}

// reload replaces the tracked set from a getSnapshot response.
func (r *RemotePresence) reload(presences map[string]types.Presence) {
	d := r.doc
	changed := map[string]any{}
	for clientID := range r.items {
		if _, ok := presences[clientID]; !ok {
			delete(r.items, clientID)
			changed[clientID] = nil
		}
	}
	for clientID, p := range presences {
		r.onPresenceMessage(clientID, p, changed)
	}
	if len(changed) > 0 {
		d.remotePresenceEmitter.emit(RemotePresenceEvent{Changed: changed})
	}
}

// values returns the synced presence contents by client id.
func (r *RemotePresence) values() map[string]any {
	out := make(map[string]any, len(r.items))
	for clientID, item := range r.items {
		if item.normal != nil && item.normal.Content != nil {
			out[clientID] = item.normal.Content
		}
	}
	return out
}

func (r *RemotePresence) clear() {
	r.items = make(map[string]*presenceItem)
	r.serverOps = nil
}
