package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"tradebook/api/internal/audit"
	"tradebook/api/internal/auth"
	"tradebook/api/internal/authpw"
	"tradebook/api/internal/config"
	"tradebook/api/internal/search"
	"tradebook/api/internal/store"
	"tradebook/api/internal/tags"
	"tradebook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type RenameTagInput struct {
	OldTag string `json:"oldTag"`
	NewTag string `json:"newTag"`
}

// RenameTagResult is the payload of the rename RPC. TradesUpdated counts
// trades whose tag list changed, across every year shard of the calendar;
// shards whose batch commit failed are excluded from the count while Success
// stays true, since the calendar-level rename has already landed.
type RenameTagResult struct {
	Success       bool `json:"success"`
	TradesUpdated int  `json:"tradesUpdated"`
}

type CalendarSettingsInput struct {
	RequiredTagGroups *[]string            `json:"requiredTagGroups"`
	ScoreSettings     *store.ScoreSettings `json:"scoreSettings"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertCalendar(context.Context, store.Calendar) error
	GetCalendar(context.Context, string) (store.Calendar, error)
	ListCalendars(context.Context, string) ([]store.Calendar, error)
	FindDuplicatedCalendars(context.Context, string) ([]store.Calendar, error)
	UpdateCalendarSettings(context.Context, store.Calendar) error
	UpdateCalendarTags(context.Context, string, []string) error
	RenameCalendar(context.Context, string, string) error
	DeleteCalendar(context.Context, string) error
	GetYearShard(context.Context, string, int) (store.YearShard, error)
	ListYearShards(context.Context, string) ([]store.YearShard, error)
	SaveYearShard(context.Context, store.YearShard) error
	DeleteYearShard(context.Context, string, int) error
	DeleteYearShards(context.Context, string) error
	MoveTrade(context.Context, string, string, int, int) error
	CommitShardBatch(context.Context, []store.StagedShardWrite) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type auditLog interface {
	EnsureCalendarRepo(calendarID string, initial audit.Settings, author string) error
	CommitSettings(calendarID string, settings audit.Settings, author, message string) (store.CommitInfo, error)
	History(calendarID string, limit int) ([]store.CommitInfo, error)
	SettingsAt(calendarID, hash string) (audit.Settings, error)
	RemoveRepo(calendarID string) error
}

type imageStore interface {
	Put(ctx context.Context, userID, imageID, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, userID, imageID string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, userID, imageID string) error
}

type mailer interface {
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexTrades(trades []store.Trade, calendarID string)
	DeleteTrades(ids []string)
	ReindexCalendar(ctx context.Context, calendarID string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	audit    auditLog
	search   searchIndex
	images   imageStore
	authpw   *authpw.Service
	mail     mailer
	smtpOK   bool
}

// New creates a service that keeps refresh sessions in Postgres.
func New(cfg config.Config, dataStore *store.PostgresStore, auditSvc *audit.Service, searchSvc *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		audit:    auditSvc,
		search:   searchSvc,
	}
}

// NewWithSessionStore creates a service that keeps refresh sessions in Redis.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, auditSvc *audit.Service, searchSvc *search.Service) *Service {
	service := New(cfg, dataStore, auditSvc, searchSvc)
	service.sessions = sessions
	return service
}

// SetAuthServices wires the password auth service and records whether SMTP
// is configured so handlers can expose dev-bypass tokens when it is not.
func (s *Service) SetAuthServices(authSvc *authpw.Service, smtpConfigured bool) {
	s.authpw = authSvc
	s.smtpOK = smtpConfigured
}

// SetImageStore wires the blob store for trade images.
func (s *Service) SetImageStore(images imageStore) {
	s.images = images
}

// SetMailer wires the outbound mail sender used for verification and
// password reset links.
func (s *Service) SetMailer(mail mailer) {
	s.mail = mail
}

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }
func (s *Service) SMTPConfigured() bool                 { return s.smtpOK }

// SendVerificationEmail mails the signup verification link. Delivery runs in
// the background and failures only log.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if s.mail == nil {
		return
	}
	link := fmt.Sprintf("%s/verify-email?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
	go func() {
		if err := s.mail.SendVerificationEmail(to, userName, link); err != nil {
			log.Printf("email: verification to %s: %v", to, err)
		}
	}()
}

// SendPasswordResetEmail mails the password reset link.
func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if s.mail == nil {
		return
	}
	link := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)
	go func() {
		if err := s.mail.SendPasswordResetEmail(to, userName, link); err != nil {
			log.Printf("email: password reset to %s: %v", to, err)
		}
	}()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session record may carry only the user ID.
	if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
		user = full
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- calendars ----

// authorizeCalendar loads a calendar and checks the session owns it.
func (s *Service) authorizeCalendar(ctx context.Context, session Session, calendarID string) (store.Calendar, error) {
	calendar, err := s.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return store.Calendar{}, err
	}
	if calendar.UserID != session.UserID {
		return store.Calendar{}, forbiddenError()
	}
	return calendar, nil
}

func (s *Service) ListCalendars(ctx context.Context, session Session) ([]store.Calendar, error) {
	return s.store.ListCalendars(ctx, session.UserID)
}

func (s *Service) GetCalendar(ctx context.Context, session Session, calendarID string) (store.Calendar, error) {
	return s.authorizeCalendar(ctx, session, calendarID)
}

func (s *Service) CreateCalendar(ctx context.Context, session Session, name string) (store.Calendar, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Calendar{}, validationError("name is required")
	}
	calendar := store.Calendar{
		ID:     util.NewID("cal"),
		UserID: session.UserID,
		Name:   name,
		Tags:   []string{},
	}
	if err := s.store.InsertCalendar(ctx, calendar); err != nil {
		return store.Calendar{}, err
	}
	if err := s.audit.EnsureCalendarRepo(calendar.ID, auditSettings(calendar), session.UserName); err != nil {
		log.Printf("audit: ensure repo for %s: %v", calendar.ID, err)
	}
	return s.store.GetCalendar(ctx, calendar.ID)
}

func (s *Service) RenameCalendar(ctx context.Context, session Session, calendarID, name string) (store.Calendar, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return store.Calendar{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Calendar{}, validationError("name is required")
	}
	if err := s.store.RenameCalendar(ctx, calendarID, name); err != nil {
		return store.Calendar{}, err
	}
	return s.store.GetCalendar(ctx, calendarID)
}

// DuplicateCalendar clones a calendar with every shard and setting. Image
// references keep pointing at the source calendar's blobs, which is what the
// shared-image deletion check relies on.
func (s *Service) DuplicateCalendar(ctx context.Context, session Session, sourceID, name string) (store.Calendar, error) {
	source, err := s.authorizeCalendar(ctx, session, sourceID)
	if err != nil {
		return store.Calendar{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = source.Name + " (copy)"
	}

	clone := store.Calendar{
		ID:                 util.NewID("cal"),
		UserID:             session.UserID,
		Name:               name,
		Tags:               append([]string(nil), source.Tags...),
		RequiredTagGroups:  append([]string(nil), source.RequiredTagGroups...),
		ScoreSettings:      source.ScoreSettings,
		DuplicatedCalendar: true,
		SourceCalendarID:   source.ID,
	}
	if err := s.store.InsertCalendar(ctx, clone); err != nil {
		return store.Calendar{}, err
	}

	shards, err := s.store.ListYearShards(ctx, sourceID)
	if err != nil {
		return store.Calendar{}, err
	}
	staged := make([]store.StagedShardWrite, 0, len(shards))
	for _, shard := range shards {
		copied := store.YearShard{
			CalendarID: clone.ID,
			Year:       shard.Year,
			Trades:     store.CloneTrades(shard.Trades),
		}
		staged = append(staged, store.StagedShardWrite{Shard: copied, Weight: len(copied.Trades)})
	}
	for _, batch := range store.ChunkShardWrites(staged, store.BatchLimit) {
		if err := s.store.CommitShardBatch(ctx, batch); err != nil {
			return store.Calendar{}, fmt.Errorf("copy shards: %w", err)
		}
	}

	if err := s.audit.EnsureCalendarRepo(clone.ID, auditSettings(clone), session.UserName); err != nil {
		log.Printf("audit: ensure repo for %s: %v", clone.ID, err)
	}
	s.search.ReindexCalendar(ctx, clone.ID)
	return s.store.GetCalendar(ctx, clone.ID)
}

// DeleteCalendar removes the calendar, its shards, its history repo, and
// every image blob no related calendar still references.
func (s *Service) DeleteCalendar(ctx context.Context, session Session, calendarID string) error {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return err
	}

	shards, err := s.store.ListYearShards(ctx, calendarID)
	if err != nil {
		return err
	}

	tradeIDs := make([]string, 0)
	for _, shard := range shards {
		for _, trade := range shard.Trades {
			tradeIDs = append(tradeIDs, trade.ID)
			for _, image := range trade.Images {
				deletable, err := s.canDeleteImage(ctx, image, calendarID)
				if err != nil {
					log.Printf("image %s: reference check failed: %v", image.ID, err)
					continue
				}
				if !deletable {
					continue
				}
				if err := s.deleteImageBlob(ctx, session.UserID, image.ID); err != nil {
					log.Printf("image %s: delete failed: %v", image.ID, err)
				}
			}
		}
	}

	if err := s.store.DeleteYearShards(ctx, calendarID); err != nil {
		return err
	}
	if err := s.store.DeleteCalendar(ctx, calendarID); err != nil {
		return err
	}
	if err := s.audit.RemoveRepo(calendarID); err != nil {
		log.Printf("audit: remove repo for %s: %v", calendarID, err)
	}
	s.search.DeleteTrades(tradeIDs)
	return nil
}

// UpdateCalendarSettings replaces the required tag groups and score settings.
func (s *Service) UpdateCalendarSettings(ctx context.Context, session Session, calendarID string, input CalendarSettingsInput) (store.Calendar, error) {
	calendar, err := s.authorizeCalendar(ctx, session, calendarID)
	if err != nil {
		return store.Calendar{}, err
	}
	if input.RequiredTagGroups != nil {
		calendar.RequiredTagGroups = *input.RequiredTagGroups
	}
	if input.ScoreSettings != nil {
		calendar.ScoreSettings = *input.ScoreSettings
	}
	if err := s.store.UpdateCalendarSettings(ctx, calendar); err != nil {
		return store.Calendar{}, err
	}
	s.commitAudit(calendar, session.UserName, "Update calendar settings")
	return s.store.GetCalendar(ctx, calendarID)
}

// ---- tag rename cascade ----

// RenameTag renames or deletes a tag across the whole calendar. The calendar
// document is written before any shard so a mid-cascade failure leaves the
// calendar consistent with the new tag while some trades still carry the old
// one; re-running the rename converges them.
func (s *Service) RenameTag(ctx context.Context, session Session, calendarID string, input RenameTagInput) (RenameTagResult, error) {
	calendar, err := s.authorizeCalendar(ctx, session, calendarID)
	if err != nil {
		return RenameTagResult{}, err
	}

	oldTag := strings.TrimSpace(input.OldTag)
	newTag := strings.TrimSpace(input.NewTag)
	if oldTag == "" {
		return RenameTagResult{}, validationError("oldTag is required")
	}
	if oldTag == newTag {
		return RenameTagResult{Success: true, TradesUpdated: 0}, nil
	}

	calendar.Tags = tags.RenameInList(calendar.Tags, oldTag, newTag)
	calendar.RequiredTagGroups = tags.RewriteRequiredGroups(calendar.RequiredTagGroups, oldTag, newTag)
	calendar.ScoreSettings.ExcludedTagsFromPatterns = tags.RenameInList(calendar.ScoreSettings.ExcludedTagsFromPatterns, oldTag, newTag)
	calendar.ScoreSettings.SelectedTags = tags.RenameInList(calendar.ScoreSettings.SelectedTags, oldTag, newTag)

	if err := s.store.UpdateCalendarSettings(ctx, calendar); err != nil {
		return RenameTagResult{}, err
	}
	s.commitAudit(calendar, session.UserName, renameMessage(oldTag, newTag))

	shards, err := s.store.ListYearShards(ctx, calendarID)
	if err != nil {
		return RenameTagResult{}, err
	}

	staged := make([]store.StagedShardWrite, 0, len(shards))
	touchedByYear := make(map[int][]store.Trade, len(shards))
	for _, shard := range shards {
		touched := 0
		shard.Trades = store.CloneTrades(shard.Trades)
		for i := range shard.Trades {
			updated, _ := tags.RenameInTrade(&shard.Trades[i], oldTag, newTag)
			if updated {
				touched++
				touchedByYear[shard.Year] = append(touchedByYear[shard.Year], shard.Trades[i])
			}
		}
		if touched > 0 {
			staged = append(staged, store.StagedShardWrite{Shard: shard, Weight: touched})
		}
	}

	result := RenameTagResult{Success: true}
	for _, write := range staged {
		result.TradesUpdated += write.Weight
	}

	batches := store.ChunkShardWrites(staged, store.BatchLimit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := make([]store.Trade, 0, result.TradesUpdated)
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []store.StagedShardWrite) {
			defer wg.Done()
			if err := s.store.CommitShardBatch(ctx, batch); err != nil {
				// A failed batch lowers the count but does not fail the
				// rename; re-running converges the skipped shards.
				failed := 0
				for _, write := range batch {
					failed += write.Weight
					log.Printf("rename %q: batch commit failed for shard %s/%d: %v",
						oldTag, write.Shard.CalendarID, write.Shard.Year, err)
				}
				mu.Lock()
				result.TradesUpdated -= failed
				mu.Unlock()
				return
			}
			mu.Lock()
			for _, write := range batch {
				committed = append(committed, touchedByYear[write.Shard.Year]...)
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if len(committed) > 0 {
		s.search.IndexTrades(committed, calendarID)
	}
	return result, nil
}

func renameMessage(oldTag, newTag string) string {
	if newTag == "" {
		return fmt.Sprintf("Delete tag %q", oldTag)
	}
	return fmt.Sprintf("Rename tag %q to %q", oldTag, newTag)
}

// ---- year shards and trades ----

func (s *Service) GetYearTrades(ctx context.Context, session Session, calendarID string, year int) (store.YearShard, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return store.YearShard{}, err
	}
	shard, err := s.store.GetYearShard(ctx, calendarID, year)
	if errors.Is(err, sql.ErrNoRows) {
		return store.YearShard{CalendarID: calendarID, Year: year, Trades: []store.Trade{}}, nil
	}
	return shard, err
}

// SaveYearTrades replaces a year shard's trade array and runs the follow-up
// cascades: trades whose date left the year move to their new shard, image
// references dropped from trades delete their blobs when no related calendar
// still uses them, and the calendar's aggregate tag list is rebuilt when the
// edit changed the distinct tag set.
func (s *Service) SaveYearTrades(ctx context.Context, session Session, calendarID string, year int, incoming []store.Trade) (store.YearShard, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return store.YearShard{}, err
	}

	before := []store.Trade{}
	existing, err := s.store.GetYearShard(ctx, calendarID, year)
	if err == nil {
		before = existing.Trades
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.YearShard{}, err
	}

	staying := make([]store.Trade, 0, len(incoming))
	moved := make([]store.Trade, 0)
	for _, trade := range incoming {
		if trade.ID == "" {
			trade.ID = util.NewID("trd")
		}
		if trade.Date.IsZero() {
			return store.YearShard{}, validationError("every trade needs a date")
		}
		if trade.Year() == year {
			staying = append(staying, trade)
		} else {
			moved = append(moved, trade)
		}
	}

	// Moved trades are written into the source shard first so their edits
	// land, then relocated shard-to-shard in one transaction each. A shard
	// row only exists while it has trades.
	full := append(append([]store.Trade{}, staying...), moved...)
	if len(full) == 0 {
		if err := s.store.DeleteYearShard(ctx, calendarID, year); err != nil {
			return store.YearShard{}, err
		}
	} else if err := s.store.SaveYearShard(ctx, store.YearShard{CalendarID: calendarID, Year: year, Trades: full}); err != nil {
		return store.YearShard{}, err
	}
	for _, trade := range moved {
		if err := s.store.MoveTrade(ctx, calendarID, trade.ID, year, trade.Year()); err != nil {
			return store.YearShard{}, err
		}
	}

	after := append(append([]store.Trade{}, staying...), moved...)
	s.cascadeRemovedImages(ctx, session.UserID, calendarID, before, after)

	if tags.HaveTagsChanged(before, after) {
		if err := s.rebuildCalendarTags(ctx, calendarID); err != nil {
			return store.YearShard{}, err
		}
	}

	s.search.IndexTrades(after, calendarID)
	if removed := removedTradeIDs(before, after); len(removed) > 0 {
		s.search.DeleteTrades(removed)
	}

	return s.GetYearTrades(ctx, session, calendarID, year)
}

// AddTrade appends a single trade to the shard matching its date.
func (s *Service) AddTrade(ctx context.Context, session Session, calendarID string, trade store.Trade) (store.Trade, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return store.Trade{}, err
	}
	if trade.Date.IsZero() {
		return store.Trade{}, validationError("date is required")
	}
	if trade.ID == "" {
		trade.ID = util.NewID("trd")
	}

	year := trade.Year()
	shard, err := s.store.GetYearShard(ctx, calendarID, year)
	if errors.Is(err, sql.ErrNoRows) {
		shard = store.YearShard{CalendarID: calendarID, Year: year, Trades: []store.Trade{}}
	} else if err != nil {
		return store.Trade{}, err
	}

	before := shard.Trades
	shard.Trades = append(store.CloneTrades(shard.Trades), trade)
	if err := s.store.SaveYearShard(ctx, shard); err != nil {
		return store.Trade{}, err
	}

	if tags.HaveTagsChanged(before, shard.Trades) {
		if err := s.rebuildCalendarTags(ctx, calendarID); err != nil {
			return store.Trade{}, err
		}
	}
	s.search.IndexTrades([]store.Trade{trade}, calendarID)
	return trade, nil
}

// rebuildCalendarTags recomputes the aggregate tag list from every shard.
func (s *Service) rebuildCalendarTags(ctx context.Context, calendarID string) error {
	shards, err := s.store.ListYearShards(ctx, calendarID)
	if err != nil {
		return err
	}
	return s.store.UpdateCalendarTags(ctx, calendarID, tags.RebuildCalendarTags(shards))
}

func removedTradeIDs(before, after []store.Trade) []string {
	kept := make(map[string]struct{}, len(after))
	for _, trade := range after {
		kept[trade.ID] = struct{}{}
	}
	removed := make([]string, 0)
	for _, trade := range before {
		if _, ok := kept[trade.ID]; !ok {
			removed = append(removed, trade.ID)
		}
	}
	return removed
}

// ---- images ----

func (s *Service) UploadImage(ctx context.Context, session Session, calendarID, contentType string, body io.Reader, size int64) (store.ImageRef, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return store.ImageRef{}, err
	}
	if s.images == nil {
		return store.ImageRef{}, domainError(http.StatusServiceUnavailable, "IMAGES_UNAVAILABLE", "Image storage not configured", nil)
	}
	ref := store.ImageRef{ID: util.NewID("img"), CalendarID: calendarID}
	if err := s.images.Put(ctx, session.UserID, ref.ID, contentType, body, size); err != nil {
		return store.ImageRef{}, fmt.Errorf("store image: %w", err)
	}
	return ref, nil
}

func (s *Service) GetImage(ctx context.Context, session Session, calendarID, imageID string) (io.ReadCloser, string, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return nil, "", err
	}
	if s.images == nil {
		return nil, "", domainError(http.StatusServiceUnavailable, "IMAGES_UNAVAILABLE", "Image storage not configured", nil)
	}
	return s.images.Get(ctx, session.UserID, imageID)
}

// DeleteImage strips an image from every trade of the calendar and removes
// the blob when no related calendar still references it.
func (s *Service) DeleteImage(ctx context.Context, session Session, calendarID, imageID string) error {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return err
	}

	shards, err := s.store.ListYearShards(ctx, calendarID)
	if err != nil {
		return err
	}

	var ref *store.ImageRef
	staged := make([]store.StagedShardWrite, 0)
	for _, shard := range shards {
		touched := 0
		shard.Trades = store.CloneTrades(shard.Trades)
		for i := range shard.Trades {
			kept := shard.Trades[i].Images[:0]
			for _, image := range shard.Trades[i].Images {
				if image.ID == imageID {
					copied := image
					ref = &copied
					continue
				}
				kept = append(kept, image)
			}
			if len(kept) != len(shard.Trades[i].Images) {
				touched++
			}
			shard.Trades[i].Images = kept
		}
		if touched > 0 {
			staged = append(staged, store.StagedShardWrite{Shard: shard, Weight: touched})
		}
	}
	for _, batch := range store.ChunkShardWrites(staged, store.BatchLimit) {
		if err := s.store.CommitShardBatch(ctx, batch); err != nil {
			return err
		}
	}

	if ref == nil {
		ref = &store.ImageRef{ID: imageID, CalendarID: calendarID}
	}
	deletable, err := s.canDeleteImage(ctx, *ref, calendarID)
	if err != nil {
		return err
	}
	if deletable {
		if err := s.deleteImageBlob(ctx, session.UserID, imageID); err != nil {
			log.Printf("image %s: delete failed: %v", imageID, err)
		}
	}
	return nil
}

// cascadeRemovedImages deletes blobs for images a trade edit dropped,
// skipping any still referenced by a related calendar. Failures are logged
// and do not fail the edit.
func (s *Service) cascadeRemovedImages(ctx context.Context, userID, calendarID string, before, after []store.Trade) {
	remaining := make(map[string]struct{})
	for _, trade := range after {
		for _, image := range trade.Images {
			remaining[image.ID] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	for _, trade := range before {
		for _, image := range trade.Images {
			if _, still := remaining[image.ID]; still {
				continue
			}
			if _, done := seen[image.ID]; done {
				continue
			}
			seen[image.ID] = struct{}{}

			deletable, err := s.canDeleteImage(ctx, image, calendarID)
			if err != nil {
				log.Printf("image %s: reference check failed: %v", image.ID, err)
				continue
			}
			if !deletable {
				continue
			}
			if err := s.deleteImageBlob(ctx, userID, image.ID); err != nil {
				log.Printf("image %s: delete failed: %v", image.ID, err)
			}
		}
	}
}

func (s *Service) deleteImageBlob(ctx context.Context, userID, imageID string) error {
	if s.images == nil {
		return nil
	}
	return s.images.Delete(ctx, userID, imageID)
}

// canDeleteImage reports whether no calendar related to the image still
// references it: the calendar the blob belongs to, every calendar duplicated
// from it, and (when removing from a duplicate) the source and its other
// duplicates. The calendar the image is being removed from is not checked.
func (s *Service) canDeleteImage(ctx context.Context, image store.ImageRef, removingFrom string) (bool, error) {
	related := make(map[string]struct{})

	owner := image.CalendarID
	if owner == "" {
		owner = removingFrom
	}
	related[owner] = struct{}{}

	duplicates, err := s.store.FindDuplicatedCalendars(ctx, owner)
	if err != nil {
		return false, err
	}
	for _, dup := range duplicates {
		related[dup.ID] = struct{}{}
	}

	removing, err := s.store.GetCalendar(ctx, removingFrom)
	if err == nil && removing.DuplicatedCalendar && removing.SourceCalendarID != "" {
		related[removing.SourceCalendarID] = struct{}{}
		siblings, err := s.store.FindDuplicatedCalendars(ctx, removing.SourceCalendarID)
		if err != nil {
			return false, err
		}
		for _, sibling := range siblings {
			related[sibling.ID] = struct{}{}
		}
	}
	delete(related, removingFrom)

	for calendarID := range related {
		exists, err := s.imageExistsInCalendar(ctx, calendarID, image.ID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) imageExistsInCalendar(ctx context.Context, calendarID, imageID string) (bool, error) {
	shards, err := s.store.ListYearShards(ctx, calendarID)
	if err != nil {
		return false, err
	}
	for _, shard := range shards {
		for _, trade := range shard.Trades {
			for _, image := range trade.Images {
				if image.ID == imageID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// ---- history ----

func (s *Service) CalendarHistory(ctx context.Context, session Session, calendarID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return nil, err
	}
	return s.audit.History(calendarID, limit)
}

func (s *Service) CalendarSettingsAt(ctx context.Context, session Session, calendarID, hash string) (audit.Settings, error) {
	if _, err := s.authorizeCalendar(ctx, session, calendarID); err != nil {
		return audit.Settings{}, err
	}
	return s.audit.SettingsAt(calendarID, hash)
}

func (s *Service) commitAudit(calendar store.Calendar, author, message string) {
	if err := s.audit.EnsureCalendarRepo(calendar.ID, auditSettings(calendar), author); err != nil {
		log.Printf("audit: ensure repo for %s: %v", calendar.ID, err)
		return
	}
	if _, err := s.audit.CommitSettings(calendar.ID, auditSettings(calendar), author, message); err != nil {
		log.Printf("audit: commit for %s: %v", calendar.ID, err)
	}
}

func auditSettings(calendar store.Calendar) audit.Settings {
	settings := audit.Settings{
		Tags:              append([]string(nil), calendar.Tags...),
		RequiredTagGroups: append([]string(nil), calendar.RequiredTagGroups...),
		ScoreSettings:     calendar.ScoreSettings,
	}
	sort.Strings(settings.Tags)
	return settings
}

// ---- search ----

func (s *Service) SearchTrades(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.CalendarID) == "" {
		return search.Response{}, validationError("calendarId is required")
	}
	if _, err := s.authorizeCalendar(ctx, session, q.CalendarID); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(q), nil
}
