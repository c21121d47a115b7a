package chat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/lands"
)

// Presence reports online state and location. Implemented by the hub; the
// leave-message rule and the standing-on-land check depend on it.
type Presence interface {
	IsOnline(userID string) bool
	Location(userID string) (x, y int, ok bool)
}

// Notifier fans chat activity out to connected clients. Implemented by the
// hub; nil disables fan-out (REST-only deployments and tests).
type Notifier interface {
	MessageStored(session *domain.ChatSession, msg *domain.ChatMessage)
	ReadReceipt(recipientID, messageID, sessionID string)
}

// Config holds the chat tunables.
type Config struct {
	HistoryLimit int           // max page size for history queries (100)
	Retention    time.Duration // message retention window
	TombstoneAge time.Duration // tombstone hard-delete age
}

const maxBodyLen = 2000

// Service implements the chat operations.
type Service struct {
	repo     *Repository
	lands    *lands.Repository
	presence Presence
	notifier Notifier
	events   *events.Manager
	cfg      Config
	log      zerolog.Logger
}

// NewService creates a chat service.
func NewService(
	repo *Repository,
	landsRepo *lands.Repository,
	presence Presence,
	eventManager *events.Manager,
	cfg Config,
	log zerolog.Logger,
) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Service{
		repo:     repo,
		lands:    landsRepo,
		presence: presence,
		events:   eventManager,
		cfg:      cfg,
		log:      log.With().Str("service", "chat").Logger(),
	}
}

// SetNotifier wires the hub in after construction. The hub depends on the
// chat service for inbound frames, so this side is attached late.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateSession creates a dm or group session. DMs hold exactly two
// participants; groups at least two. The creator is always a participant.
func (s *Service) CreateSession(creatorID string, kind domain.SessionKind, participants []string) (*domain.ChatSession, error) {
	members := map[string]bool{creatorID: true}
	for _, p := range participants {
		if p != "" {
			members[p] = true
		}
	}

	switch kind {
	case domain.SessionDM:
		if len(members) != 2 {
			return nil, domain.ErrValidation("dm sessions need exactly two participants, got %d", len(members))
		}
	case domain.SessionGroup:
		if len(members) < 2 {
			return nil, domain.ErrValidation("group sessions need at least two participants")
		}
	default:
		return nil, domain.ErrValidation("cannot create session of kind %q", kind)
	}

	all := make([]string, 0, len(members))
	for id := range members {
		all = append(all, id)
	}

	session := &domain.ChatSession{Kind: kind, CreatedBy: creatorID}
	if err := s.repo.CreateSession(session, all); err != nil {
		return nil, err
	}
	return session, nil
}

// Sessions returns the caller's sessions.
func (s *Service) Sessions(userID string) ([]domain.ChatSession, error) {
	return s.repo.SessionsForUser(userID)
}

// IsMember reports whether the user may occupy the session's realtime room.
// Land sessions are public; dm and group sessions require participation.
func (s *Service) IsMember(sessionID, userID string) (bool, error) {
	session, err := s.repo.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}
	if session.Kind == domain.SessionLand {
		return true, nil
	}
	return s.repo.IsParticipant(sessionID, userID)
}

// EnsureLandSession returns the land's session, materializing it on first
// use with the requesting user as creator.
func (s *Service) EnsureLandSession(landID, creatorID string) (*domain.ChatSession, error) {
	session, err := s.repo.GetLandSession(landID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	land, err := s.lands.GetByID(landID)
	if err != nil {
		return nil, err
	}
	if land == nil {
		return nil, domain.ErrNotFound("land %s not found", landID)
	}

	session = &domain.ChatSession{
		Kind:      domain.SessionLand,
		LandID:    &landID,
		CreatedBy: creatorID,
	}
	if err := s.repo.CreateSession(session, nil); err != nil {
		// Lost a materialization race: the UNIQUE(land_id) insert failed,
		// so the winner's row exists now.
		existing, getErr := s.repo.GetLandSession(landID)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

// SendMessage validates, persists and fans out one message. Land sessions
// admit anyone standing on the land (or its owner); dm/group sessions
// require participation. A message to an owned land whose owner is offline
// becomes a leave-message.
func (s *Service) SendMessage(senderID, sessionID, body string) (*domain.ChatMessage, error) {
	if len(body) == 0 || len(body) > maxBodyLen {
		return nil, domain.ErrValidation("message body must be 1..%d characters", maxBodyLen)
	}

	session, err := s.repo.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound("session %s not found", sessionID)
	}

	msg := &domain.ChatMessage{
		SessionID: sessionID,
		SenderID:  senderID,
		Body:      body,
		Kind:      domain.MessageText,
	}

	if session.Kind == domain.SessionLand {
		land, err := s.lands.GetByID(*session.LandID)
		if err != nil {
			return nil, err
		}
		if land == nil {
			return nil, domain.ErrNotFound("land %s not found", *session.LandID)
		}
		if err := s.checkOnLand(senderID, land); err != nil {
			return nil, err
		}
		if s.isLeaveMessage(senderID, land) {
			msg.Kind = domain.MessageLeave
		}
	} else {
		member, err := s.repo.IsParticipant(sessionID, senderID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, domain.ErrPermissionDenied("not a participant of session %s", sessionID)
		}
	}

	if err := s.repo.CreateMessage(msg); err != nil {
		return nil, err
	}

	if msg.Kind == domain.MessageLeave {
		s.events.Emit(events.LeaveMessageStored, "chat", map[string]interface{}{
			"message_id": msg.ID,
			"session_id": sessionID,
			"sender_id":  senderID,
		})
	}
	if s.notifier != nil {
		s.notifier.MessageStored(session, msg)
	}

	return msg, nil
}

// SendToLand sends a message to a land's session, materializing it first.
func (s *Service) SendToLand(senderID, landID, body string) (*domain.ChatMessage, error) {
	session, err := s.EnsureLandSession(landID, senderID)
	if err != nil {
		return nil, err
	}
	return s.SendMessage(senderID, session.ID, body)
}

// checkOnLand admits the land owner anywhere; everyone else must be
// standing on the parcel.
func (s *Service) checkOnLand(userID string, land *domain.Land) error {
	if land.OwnerID != nil && *land.OwnerID == userID {
		return nil
	}
	if s.presence == nil {
		return domain.ErrPermissionDenied("location unknown for land session")
	}
	x, y, ok := s.presence.Location(userID)
	if !ok || x != land.X || y != land.Y {
		return domain.ErrPermissionDenied("must be standing on land (%d,%d)", land.X, land.Y)
	}
	return nil
}

// isLeaveMessage applies the leave-message rule: owned land, owner offline,
// sender is not the owner.
func (s *Service) isLeaveMessage(senderID string, land *domain.Land) bool {
	if land.OwnerID == nil || *land.OwnerID == senderID {
		return false
	}
	if s.presence == nil {
		return true
	}
	return !s.presence.IsOnline(*land.OwnerID)
}

// History returns a session's messages, newest first.
func (s *Service) History(userID, sessionID string, limit int, before int64) ([]domain.ChatMessage, error) {
	session, err := s.repo.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound("session %s not found", sessionID)
	}

	// Land history is public; dm/group history is members-only.
	if session.Kind != domain.SessionLand {
		member, err := s.repo.IsParticipant(sessionID, userID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, domain.ErrPermissionDenied("not a participant of session %s", sessionID)
		}
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.repo.History(sessionID, limit, before)
}

// LandHistory returns a land session's messages, or empty when no session
// has been materialized.
func (s *Service) LandHistory(userID, landID string, limit int, before int64) ([]domain.ChatMessage, error) {
	session, err := s.repo.GetLandSession(landID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	return s.History(userID, session.ID, limit, before)
}

// MarkRead records the reader's read mark and, for land sessions read by
// the land owner, transitions unread leave-messages to read. Each
// transitioned message emits exactly one read receipt to its sender.
func (s *Service) MarkRead(readerID, sessionID string) (int, error) {
	session, err := s.repo.GetSession(sessionID)
	if err != nil {
		return 0, err
	}
	if session == nil {
		return 0, domain.ErrNotFound("session %s not found", sessionID)
	}

	now := time.Now()
	if err := s.repo.SetLastRead(sessionID, readerID, now); err != nil {
		return 0, err
	}

	if session.Kind != domain.SessionLand {
		return 0, nil
	}

	land, err := s.lands.GetByID(*session.LandID)
	if err != nil {
		return 0, err
	}
	if land == nil || land.OwnerID == nil || *land.OwnerID != readerID {
		return 0, domain.ErrPermissionDenied("only the land owner reads leave-messages")
	}

	marked, err := s.repo.MarkSessionRead(sessionID, readerID, now)
	if err != nil {
		return 0, err
	}

	if s.notifier != nil {
		for _, messageID := range marked {
			msg, err := s.repo.GetMessage(messageID)
			if err != nil || msg == nil {
				continue
			}
			s.notifier.ReadReceipt(msg.SenderID, messageID, sessionID)
		}
	}

	return len(marked), nil
}

// Unread returns per-session unread counts: leave-messages on the caller's
// lands plus dm/group messages past the caller's read mark.
func (s *Service) Unread(userID string) ([]UnreadCount, error) {
	owned, err := s.lands.GetByOwner(userID)
	if err != nil {
		return nil, err
	}
	landIDs := make([]string, len(owned))
	for i, land := range owned {
		landIDs[i] = land.ID
	}

	leave, err := s.repo.UnreadLeaveMessages(landIDs)
	if err != nil {
		return nil, err
	}
	direct, err := s.repo.UnreadSince(userID)
	if err != nil {
		return nil, err
	}

	return append(leave, direct...), nil
}

// DeleteMessage tombstones a message. Allowed for the sender, and for the
// land owner when the message is a leave-message on their land.
func (s *Service) DeleteMessage(userID, messageID string) error {
	msg, err := s.repo.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return domain.ErrNotFound("message %s not found", messageID)
	}

	if msg.SenderID != userID {
		allowed := false
		if msg.Kind == domain.MessageLeave {
			session, err := s.repo.GetSession(msg.SessionID)
			if err != nil {
				return err
			}
			if session != nil && session.LandID != nil {
				land, err := s.lands.GetByID(*session.LandID)
				if err != nil {
					return err
				}
				allowed = land != nil && land.OwnerID != nil && *land.OwnerID == userID
			}
		}
		if !allowed {
			return domain.ErrPermissionDenied("cannot delete another user's message")
		}
	}

	return s.repo.Tombstone(messageID)
}

// RunRetention purges expired messages and stale tombstones.
func (s *Service) RunRetention() (int64, error) {
	return s.repo.Purge(s.cfg.Retention, s.cfg.TombstoneAge)
}
