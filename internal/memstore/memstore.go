// Package memstore keeps every repository in process memory. It backs the
// tests and the dev mode of the service.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"tutorly/internal/apperr"
	"tutorly/internal/model"
)

// Store is a mutex-guarded in-memory implementation of the availability,
// session, booking request, module, chat and audit stores.
type Store struct {
	mu sync.RWMutex

	blocks     map[int64][]model.AvailabilityBlock
	exceptions map[string]model.AvailabilityException
	students   map[studentKey]model.StudentAvailability
	requests   map[string]model.BookingRequest
	sessions   map[string]model.Session
	modules    map[moduleKey]struct{}
	prefs      map[moduleKey]model.ModulePreferences
	chats      map[int64]int64
	audit      []model.AuditEntry

	faults map[string]error
}

type studentKey struct {
	studentID int64
	requestID string
}

type moduleKey struct {
	tutorID  int64
	moduleID int64
}

func New() *Store {
	return &Store{
		blocks:     make(map[int64][]model.AvailabilityBlock),
		exceptions: make(map[string]model.AvailabilityException),
		students:   make(map[studentKey]model.StudentAvailability),
		requests:   make(map[string]model.BookingRequest),
		sessions:   make(map[string]model.Session),
		modules:    make(map[moduleKey]struct{}),
		prefs:      make(map[moduleKey]model.ModulePreferences),
		chats:      make(map[int64]int64),
		faults:     make(map[string]error),
	}
}

// InjectFault makes the named operation fail with err until cleared with a nil err.
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	return s.faults[op]
}

// Availability

func (s *Store) ListBlocks(_ context.Context, tutorID int64) ([]model.AvailabilityBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListBlocks"); err != nil {
		return nil, err
	}
	return append([]model.AvailabilityBlock(nil), s.blocks[tutorID]...), nil
}

func (s *Store) ReplaceBlocks(_ context.Context, tutorID int64, blocks []model.AvailabilityBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ReplaceBlocks"); err != nil {
		return err
	}
	s.blocks[tutorID] = append([]model.AvailabilityBlock(nil), blocks...)
	return nil
}

func (s *Store) DeleteBlock(_ context.Context, tutorID int64, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteBlock"); err != nil {
		return err
	}
	list := s.blocks[tutorID]
	for i, b := range list {
		if b.ID == blockID {
			s.blocks[tutorID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (s *Store) AddException(_ context.Context, e *model.AvailabilityException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AddException"); err != nil {
		return err
	}
	s.exceptions[e.ID] = *e
	return nil
}

func (s *Store) DeleteException(_ context.Context, tutorID int64, exceptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeleteException"); err != nil {
		return err
	}
	e, ok := s.exceptions[exceptionID]
	if !ok || e.TutorID != tutorID {
		return apperr.ErrNotFound
	}
	delete(s.exceptions, exceptionID)
	return nil
}

func (s *Store) ListExceptions(_ context.Context, tutorID int64, r *model.DateRange) ([]model.AvailabilityException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListExceptions"); err != nil {
		return nil, err
	}
	var out []model.AvailabilityException
	for _, e := range s.exceptions {
		if e.TutorID != tutorID {
			continue
		}
		if r != nil && !r.Contains(e.Date) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) SaveStudentAvailability(_ context.Context, a *model.StudentAvailability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveStudentAvailability"); err != nil {
		return err
	}
	s.students[keyFor(a.StudentID, a.BookingRequestID)] = *a
	return nil
}

func (s *Store) GetStudentAvailability(_ context.Context, studentID int64, requestID *string) (*model.StudentAvailability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetStudentAvailability"); err != nil {
		return nil, err
	}
	a, ok := s.students[keyFor(studentID, requestID)]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &a, nil
}

func keyFor(studentID int64, requestID *string) studentKey {
	k := studentKey{studentID: studentID}
	if requestID != nil {
		k.requestID = *requestID
	}
	return k
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateSession"); err != nil {
		return err
	}
	for _, other := range s.sessions {
		if other.TutorID == sess.TutorID && other.Status.Blocking() && other.Interval().Overlaps(sess.Interval()) {
			return apperr.ErrSessionOverlap
		}
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetSession"); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) TransitionSession(_ context.Context, id string, from model.SessionStatus, change model.SessionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionSession"); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if sess.Status != from {
		return apperr.ErrStaleState
	}
	sess.Apply(change)
	s.sessions[id] = sess
	return nil
}

func (s *Store) SetStudyRoom(_ context.Context, id, roomID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetStudyRoom"); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if sess.StudyRoomID != nil {
		return apperr.ErrStaleState
	}
	sess.StudyRoomID = &roomID
	sess.UpdatedAt = at
	s.sessions[id] = sess
	return nil
}

func (s *Store) ListSessionsByStatus(_ context.Context, status model.SessionStatus, from, to time.Time) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListSessionsByStatus"); err != nil {
		return nil, err
	}
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.Status != status || sess.ScheduledStart.Before(from) || sess.ScheduledStart.After(to) {
			continue
		}
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func (s *Store) ListTutorSessions(_ context.Context, tutorID int64, from, to time.Time, statuses ...model.SessionStatus) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListTutorSessions"); err != nil {
		return nil, err
	}
	window := model.Interval{Start: from, End: to}
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.TutorID != tutorID || !sess.Interval().Overlaps(window) || !statusIn(sess.Status, statuses) {
			continue
		}
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func statusIn(status model.SessionStatus, statuses []model.SessionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortSessions(list []model.Session) {
	sort.Slice(list, func(i, j int) bool { return list[i].ScheduledStart.Before(list[j].ScheduledStart) })
}

// Booking requests

func (s *Store) CreateRequest(_ context.Context, r *model.BookingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateRequest"); err != nil {
		return err
	}
	cp := *r
	cp.ProposedSlots = append([]time.Time(nil), r.ProposedSlots...)
	s.requests[r.ID] = cp
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*model.BookingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetRequest"); err != nil {
		return nil, err
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &r, nil
}

func (s *Store) DecideRequest(_ context.Context, id string, from model.RequestStatus, d model.RequestDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DecideRequest"); err != nil {
		return err
	}
	r, ok := s.requests[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if r.Status != from {
		return apperr.ErrStaleState
	}
	r.Apply(d)
	s.requests[id] = r
	return nil
}

func (s *Store) ListRequestsByTutor(_ context.Context, tutorID int64, status model.RequestStatus) ([]model.BookingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListRequestsByTutor"); err != nil {
		return nil, err
	}
	var out []model.BookingRequest
	for _, r := range s.requests {
		if r.TutorID == tutorID && r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiredRequests(_ context.Context, now time.Time) ([]model.BookingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListExpiredRequests"); err != nil {
		return nil, err
	}
	var out []model.BookingRequest
	for _, r := range s.requests {
		if r.Status == model.RequestPending && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Modules and chats

// AssignModule records that tutorID teaches moduleID.
func (s *Store) AssignModule(tutorID, moduleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[moduleKey{tutorID, moduleID}] = struct{}{}
}

func (s *Store) TutorTeaches(_ context.Context, tutorID, moduleID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("TutorTeaches"); err != nil {
		return false, err
	}
	_, ok := s.modules[moduleKey{tutorID, moduleID}]
	return ok, nil
}

func (s *Store) SaveModulePreferences(_ context.Context, p *model.ModulePreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SaveModulePreferences"); err != nil {
		return err
	}
	k := moduleKey{p.TutorID, p.ModuleID}
	stored := *p
	if prev, ok := s.prefs[k]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.prefs[k] = stored
	return nil
}

func (s *Store) GetModulePreferences(_ context.Context, tutorID, moduleID int64) (*model.ModulePreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetModulePreferences"); err != nil {
		return nil, err
	}
	p, ok := s.prefs[moduleKey{tutorID, moduleID}]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}

// SetChat links a user to a Telegram chat.
func (s *Store) SetChat(_ context.Context, userID, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[userID] = chatID
	return nil
}

func (s *Store) ChatID(_ context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chatID, ok := s.chats[userID]
	if !ok {
		return 0, apperr.ErrNotFound
	}
	return chatID, nil
}

// Audit

func (s *Store) InsertAuditEntry(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertAuditEntry"); err != nil {
		return err
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAuditEntries(_ context.Context, from, to time.Time) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditEntry
	for _, e := range s.audit {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) DeleteAuditEntriesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var deleted int64
	for _, e := range s.audit {
		if e.OccurredAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return deleted, nil
}

// AuditEntries returns a copy of every recorded entry.
func (s *Store) AuditEntries() []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditEntry(nil), s.audit...)
}
