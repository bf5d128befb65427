// Package memstore is an in-memory stand-in for the Postgres store. Row locks
// are emulated per key and held until the transaction ends; writes are staged
// on the transaction and applied atomically on commit.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/db"
	"escrowflow/escalation"
	"escrowflow/order"
	"escrowflow/outbox"
)

var errForeignTx = errors.New("memstore: transaction not created by this store")

// OutboxRow is a stored outbox message with its delivery state.
type OutboxRow struct {
	outbox.Message
	Status    string
	LastError string
}

type Store struct {
	mu          sync.Mutex
	orders      map[string]order.Order
	escalations map[string]escalation.Record
	events      []order.Event
	outbox      []OutboxRow
	locks       map[string]chan struct{}
	seq         int

	beginErr  error
	commitErr error
	lockErrs  map[string]error
}

var _ db.TxBeginner = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:      make(map[string]order.Order),
		escalations: make(map[string]escalation.Record),
		locks:       make(map[string]chan struct{}),
		lockErrs:    make(map[string]error),
	}
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		err := s.beginErr
		s.beginErr = nil
		return nil, err
	}
	return &Tx{
		store:       s,
		held:        make(map[string]chan struct{}),
		orders:      make(map[string]order.Order),
		escalations: make(map[string]escalation.Record),
		outboxState: make(map[string]OutboxRow),
	}, nil
}

// FailNextBegin makes the next Begin return err.
func (s *Store) FailNextBegin(err error) {
	s.mu.Lock()
	s.beginErr = err
	s.mu.Unlock()
}

// FailLocking makes every GetForUpdate of the order return err. A nil err
// clears it.
func (s *Store) FailLocking(orderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.lockErrs, orderID)
		return
	}
	s.lockErrs[orderID] = err
}

// FailNextCommit makes the next Commit discard its writes and return err.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// PutOrder seeds or overwrites a committed order.
func (s *Store) PutOrder(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
}

// PutEscalation seeds or overwrites a committed escalation.
func (s *Store) PutEscalation(rec escalation.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[rec.ID] = rec
}

func (s *Store) Order(id string) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o.Clone(), ok
}

// EscalationsFor returns every escalation of an order, oldest first.
func (s *Store) EscalationsFor(orderID string) []escalation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []escalation.Record
	for _, rec := range s.escalations {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

func (s *Store) Events(orderID string) []order.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Event
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) OutboxRows() []OutboxRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxRow, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (s *Store) outboxRow(id string) (OutboxRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.outbox {
		if row.ID == id {
			return row, true
		}
	}
	return OutboxRow{}, false
}

func (s *Store) lockChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *Store) nextID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func sortRecords(recs []escalation.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// Tx is the pgx.Tx handed out by Store.Begin.
type Tx struct {
	store       *Store
	held        map[string]chan struct{}
	orders      map[string]order.Order
	escalations map[string]escalation.Record
	events      []order.Event
	outbox      []OutboxRow
	outboxState map[string]OutboxRow
	closed      bool
}

var _ pgx.Tx = (*Tx)(nil)

func asTx(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		return nil, errForeignTx
	}
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// lock blocks until the row lock for key is held by t or ctx is done.
func (t *Tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.store.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryLock acquires key without waiting, like SKIP LOCKED.
func (t *Tx) tryLock(key string) bool {
	if _, ok := t.held[key]; ok {
		return true
	}
	ch := t.store.lockChan(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return true
	default:
		return false
	}
}

func (t *Tx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
	t.closed = true
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions not supported")
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}

	open := make(map[string]string)
	for id, rec := range s.escalations {
		if staged, ok := t.escalations[id]; ok {
			rec = staged
		}
		if !rec.Resolved() {
			open[rec.OrderID] = id
		}
	}
	for id, rec := range t.escalations {
		if rec.Resolved() {
			continue
		}
		if other, ok := open[rec.OrderID]; ok && other != id {
			return &pgconn.PgError{Code: "23505", ConstraintName: "escalations_one_open_per_order"}
		}
	}

	for id, o := range t.orders {
		s.orders[id] = o
	}
	for id, rec := range t.escalations {
		s.escalations[id] = rec
	}
	s.events = append(s.events, t.events...)
	for i, row := range s.outbox {
		if updated, ok := t.outboxState[row.ID]; ok {
			s.outbox[i] = updated
		}
	}
	s.outbox = append(s.outbox, t.outbox...)
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("memstore: CopyFrom not supported")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("memstore: Prepare not supported")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("memstore: Exec not supported")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("memstore: Query not supported")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: errors.New("memstore: QueryRow not supported")}
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// Orders returns the order.Repository view of the store.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Escalations returns the escalation.Repository view of the store.
func (s *Store) Escalations() *Escalations { return &Escalations{s: s} }

// Outbox returns the outbox Writer/Store view of the store.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

type Orders struct{ s *Store }

var _ order.Repository = (*Orders)(nil)

func (r *Orders) Get(_ context.Context, id string) (order.Order, error) {
	o, ok := r.s.Order(id)
	if !ok {
		return order.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (r *Orders) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (order.Order, error) {
	t, err := asTx(tx)
	if err != nil {
		return order.Order{}, err
	}
	r.s.mu.Lock()
	lockErr := r.s.lockErrs[id]
	r.s.mu.Unlock()
	if lockErr != nil {
		return order.Order{}, lockErr
	}
	if err := t.lock(ctx, "order:"+id); err != nil {
		return order.Order{}, err
	}
	if o, ok := t.orders[id]; ok {
		return o.Clone(), nil
	}
	o, ok := r.s.Order(id)
	if !ok {
		return order.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

func (r *Orders) Update(_ context.Context, tx pgx.Tx, o order.Order) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if _, staged := t.orders[o.ID]; !staged {
		if _, ok := r.s.Order(o.ID); !ok {
			return order.ErrOrderNotFound
		}
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (r *Orders) AppendEvent(_ context.Context, tx pgx.Tx, ev order.Event) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}

func (r *Orders) ListOverdue(_ context.Context, now time.Time, after order.OverdueCursor, limit int) ([]order.Overdue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	open := make(map[string]bool)
	for _, rec := range r.s.escalations {
		if !rec.Resolved() {
			open[rec.OrderID] = true
		}
	}

	var due []order.Overdue
	for _, o := range r.s.orders {
		if !o.AwaitingConfirmation() || o.ConfirmationDeadline == nil || !o.ConfirmationDeadline.Before(now) {
			continue
		}
		if open[o.ID] {
			continue
		}
		row := order.Overdue{ID: o.ID, Deadline: *o.ConfirmationDeadline}
		if !after.After(row) {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].ID < due[j].ID
		}
		return due[i].Deadline.Before(due[j].Deadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

type Escalations struct{ s *Store }

var _ escalation.Repository = (*Escalations)(nil)

func (r *Escalations) committed(id string) (escalation.Record, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.escalations[id]
	return rec, ok
}

func (r *Escalations) openFor(t *Tx, orderID string) (escalation.Record, bool) {
	for _, rec := range t.escalations {
		if rec.OrderID == orderID && !rec.Resolved() {
			return rec, true
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, rec := range r.s.escalations {
		if staged, ok := t.escalations[id]; ok {
			rec = staged
		}
		if rec.OrderID == orderID && !rec.Resolved() {
			return rec, true
		}
	}
	return escalation.Record{}, false
}

func (r *Escalations) Insert(_ context.Context, tx pgx.Tx, rec escalation.Record) (escalation.Record, error) {
	t, err := asTx(tx)
	if err != nil {
		return escalation.Record{}, err
	}
	if !rec.Type.Valid() {
		return escalation.Record{}, fmt.Errorf("%w: escalation type %q", order.ErrInvalidInput, rec.Type)
	}
	if _, open := r.openFor(t, rec.OrderID); open {
		return escalation.Record{}, escalation.ErrEscalationOpen
	}
	if rec.ID == "" {
		rec.ID = r.s.nextID("esc")
	}
	t.escalations[rec.ID] = rec
	return rec, nil
}

func (r *Escalations) FindOpen(_ context.Context, tx pgx.Tx, orderID string) (escalation.Record, error) {
	t, err := asTx(tx)
	if err != nil {
		return escalation.Record{}, err
	}
	rec, ok := r.openFor(t, orderID)
	if !ok {
		return escalation.Record{}, escalation.ErrEscalationNotFound
	}
	return rec, nil
}

func (r *Escalations) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escalation.Record, error) {
	t, err := asTx(tx)
	if err != nil {
		return escalation.Record{}, err
	}
	if err := t.lock(ctx, "escalation:"+id); err != nil {
		return escalation.Record{}, err
	}
	if rec, ok := t.escalations[id]; ok {
		return rec, nil
	}
	rec, ok := r.committed(id)
	if !ok {
		return escalation.Record{}, escalation.ErrEscalationNotFound
	}
	return rec, nil
}

func (r *Escalations) MarkResolved(_ context.Context, tx pgx.Tx, rec escalation.Record) (escalation.Record, error) {
	t, err := asTx(tx)
	if err != nil {
		return escalation.Record{}, err
	}
	current, ok := t.escalations[rec.ID]
	if !ok {
		current, ok = r.committed(rec.ID)
	}
	if !ok {
		return escalation.Record{}, escalation.ErrEscalationNotFound
	}
	if current.Resolved() {
		return escalation.Record{}, order.ErrAlreadyResolved
	}
	current.ResolvedAt = rec.ResolvedAt
	current.ResolvedBy = rec.ResolvedBy
	current.ResolutionAction = rec.ResolutionAction
	current.ResolutionNotes = rec.ResolutionNotes
	t.escalations[rec.ID] = current
	return current, nil
}

func (r *Escalations) Get(_ context.Context, id string) (escalation.Record, error) {
	rec, ok := r.committed(id)
	if !ok {
		return escalation.Record{}, escalation.ErrEscalationNotFound
	}
	return rec, nil
}

func (r *Escalations) List(_ context.Context, filters escalation.Filters) ([]escalation.Record, int, error) {
	filters = filters.Normalize()

	r.s.mu.Lock()
	var all []escalation.Record
	for _, rec := range r.s.escalations {
		if filters.OrderID != "" && rec.OrderID != filters.OrderID {
			continue
		}
		switch filters.State {
		case escalation.StateOpen:
			if rec.Resolved() {
				continue
			}
		case escalation.StateResolved:
			if !rec.Resolved() {
				continue
			}
		}
		all = append(all, rec)
	}
	r.s.mu.Unlock()

	sortRecords(all)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	start := (filters.Page - 1) * filters.PageSize
	if start >= len(all) {
		return []escalation.Record{}, len(all), nil
	}
	end := start + filters.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

type Outbox struct{ s *Store }

var (
	_ outbox.Writer = (*Outbox)(nil)
	_ outbox.Store  = (*Outbox)(nil)
)

func (r *Outbox) Enqueue(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	t.outbox = append(t.outbox, OutboxRow{
		Message: outbox.Message{
			ID:        r.s.nextID("msg"),
			Topic:     topic,
			Payload:   raw,
			CreatedAt: time.Now().UTC(),
		},
		Status: outbox.StatusPending,
	})
	return nil
}

func (r *Outbox) Claim(_ context.Context, tx pgx.Tx, limit int) ([]outbox.Message, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	rows := r.s.OutboxRows()

	var out []outbox.Message
	for _, row := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if row.Status != outbox.StatusPending {
			continue
		}
		if !t.tryLock("outbox:" + row.ID) {
			continue
		}
		// Re-read under the lock: another relay may have settled the row
		// between the snapshot and tryLock.
		current, ok := r.s.outboxRow(row.ID)
		if !ok || current.Status != outbox.StatusPending {
			continue
		}
		row = current
		t.outboxState[row.ID] = row
		out = append(out, row.Message)
	}
	return out, nil
}

func (r *Outbox) claimed(t *Tx, id string) (OutboxRow, error) {
	row, ok := t.outboxState[id]
	if !ok {
		return OutboxRow{}, outbox.ErrMessageNotFound
	}
	return row, nil
}

func (r *Outbox) MarkProcessed(_ context.Context, tx pgx.Tx, id string, _ time.Time) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	row, err := r.claimed(t, id)
	if err != nil {
		return err
	}
	row.Attempts++
	row.Status = outbox.StatusProcessed
	t.outboxState[id] = row
	return nil
}

func (r *Outbox) MarkFailed(_ context.Context, tx pgx.Tx, id string, cause string, _ time.Time, maxAttempts int) (bool, error) {
	t, err := asTx(tx)
	if err != nil {
		return false, err
	}
	row, err := r.claimed(t, id)
	if err != nil {
		return false, err
	}
	row.Attempts++
	row.LastError = cause
	if row.Attempts >= maxAttempts {
		row.Status = outbox.StatusDead
	}
	t.outboxState[id] = row
	return row.Status == outbox.StatusDead, nil
}

func marshal(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal payload: %w", err)
	}
	return raw, nil
}
