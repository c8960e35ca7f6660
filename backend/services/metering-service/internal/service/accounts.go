package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/password"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

const (
	roleUser         = "user"
	registerAttempts = 3
)

// RegisterInput is the registration form.
type RegisterInput struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Username string `json:"username"`
	Password string `json:"password"`
	Address  string `json:"address"`
}

func (in *RegisterInput) normalize() error {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Username = strings.TrimSpace(in.Username)
	in.Address = strings.TrimSpace(in.Address)

	if in.Username == "" {
		return invalid("username", "required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil || !strings.Contains(in.Email, "@") {
		return invalid("email", "not a valid address")
	}
	if in.Phone == "" {
		return invalid("phone", "required")
	}
	if in.Address == "" {
		return invalid("address", "required")
	}
	if err := password.Validate(in.Password); err != nil {
		return invalid("password", err.Error())
	}
	return nil
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token      string          `json:"token"`
	Account    *models.Account `json:"account"`
	Monitoring bool            `json:"monitoring"`
}

// Snapshot is the dashboard view of an account.
type Snapshot struct {
	Account     *models.Account    `json:"account"`
	Meter       *models.Meter      `json:"meter"`
	Appliances  []models.Appliance `json:"appliances"`
	Monitoring  bool               `json:"monitoring"`
	CanBorrow   bool               `json:"can_borrow"`
	HasFunded   bool               `json:"has_funded"`
	CanWithdraw bool               `json:"can_withdraw"`
	MaxWithdraw decimal.Decimal    `json:"max_withdraw"`
}

// Accounts implements registration, authentication and the per-account views.
type Accounts struct {
	store     repository.Store
	ledger    *repository.Ledger
	policy    *Policy
	hasher    password.Hasher
	tokens    *TokenService
	scheduler *Scheduler
	clock     Clock
	logger    *zap.Logger
}

// NewAccounts builds the account service.
func NewAccounts(store repository.Store, ledger *repository.Ledger, policy *Policy, hasher password.Hasher, tokens *TokenService, scheduler *Scheduler, clock Clock, logger *zap.Logger) *Accounts {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{
		store:     store,
		ledger:    ledger,
		policy:    policy,
		hasher:    hasher,
		tokens:    tokens,
		scheduler: scheduler,
		clock:     clock,
		logger:    logger,
	}
}

// Register creates the account, its meter and the default appliance set. Email, phone,
// username and address must each be unused.
func (s *Accounts) Register(ctx context.Context, in RegisterInput) (*models.Account, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		now := s.clock.Now()
		meterID := newMeterID(now.Format("20060102"))
		account := &models.Account{
			ID:           uuid.NewString(),
			Username:     in.Username,
			Email:        in.Email,
			Phone:        in.Phone,
			FullName:     in.FullName,
			Address:      in.Address,
			PasswordHash: hash,
			Role:         roleUser,
			Funds:        decimal.Zero,
			Borrowed:     decimal.Zero,
			MeterID:      meterID,
			RegisteredAt: now,
		}
		meter := &models.Meter{
			ID:             meterID,
			AccountID:      account.ID,
			Address:        in.Address,
			Status:         models.MeterActive,
			TotalEnergyKWh: decimal.Zero,
			CreatedAt:      now,
		}

		err := s.store.CreateAccount(ctx, account, meter, defaultAppliances(meterID, now))
		var dup *repository.DuplicateError
		if errors.As(err, &dup) && (dup.Field == "meter_id" || dup.Field == "appliance_id") && attempt < registerAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("account registered",
			zap.String("account_id", account.ID),
			zap.String("username", account.Username),
			zap.String("meter_id", meterID),
		)
		return account, nil
	}
}

// Authenticate checks credentials and returns the account.
func (s *Accounts) Authenticate(ctx context.Context, username, pass string) (*models.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || pass == "" {
		return nil, ErrInvalidCredentials
	}
	acc, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.hasher.Compare(acc.PasswordHash, pass); err != nil {
		return nil, ErrInvalidCredentials
	}
	if acc.Disabled {
		return nil, ErrAccountDisabled
	}
	return acc, nil
}

// Login authenticates, issues a token and starts metering the account.
func (s *Accounts) Login(ctx context.Context, username, pass string) (*LoginResult, error) {
	acc, err := s.Authenticate(ctx, username, pass)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.GenerateToken(acc.ID, acc.Role)
	if err != nil {
		return nil, err
	}

	monitoring := true
	if _, err := s.scheduler.Start(ctx, acc.ID); err != nil {
		monitoring = errors.Is(err, ErrLeaseHeld)
		if !monitoring {
			s.logger.Warn("start metering on login", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}
	return &LoginResult{Token: token, Account: acc, Monitoring: monitoring}, nil
}

// Logout stops metering the account.
func (s *Accounts) Logout(ctx context.Context, accountID string) {
	s.scheduler.Stop(ctx, accountID)
}

// SetApplianceState pins an appliance of the account's meter to on or off. Switching
// on opens a new session.
func (s *Accounts) SetApplianceState(ctx context.Context, accountID, applianceID string, on bool) (*models.Appliance, error) {
	acc, err := s.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	appliance, err := s.store.GetAppliance(ctx, applianceID)
	if err != nil {
		return nil, err
	}
	if appliance.MeterID != acc.MeterID {
		return nil, repository.ErrNotFound
	}

	manual := true
	update := models.ApplianceStateUpdate{IsOn: on, ManualControl: &manual}
	if on && !appliance.IsOn {
		now := s.clock.Now()
		update.StartedAt = &now
	}
	if err := s.store.UpdateApplianceState(ctx, applianceID, update); err != nil {
		return nil, err
	}

	s.logger.Info("appliance toggled",
		zap.String("account_id", accountID),
		zap.String("appliance_id", applianceID),
		zap.Bool("on", on),
	)
	return s.store.GetAppliance(ctx, applianceID)
}

// RemoveAccount stops metering, soft-disables the account, retires the meter and
// deletes its appliances. Ledger entries are kept.
func (s *Accounts) RemoveAccount(ctx context.Context, accountID string) error {
	if _, err := s.activeAccount(ctx, accountID); err != nil {
		return err
	}
	s.scheduler.Stop(ctx, accountID)
	if err := s.store.DisableAccount(ctx, accountID); err != nil {
		return fmt.Errorf("remove account: %w", err)
	}
	s.logger.Info("account removed", zap.String("account_id", accountID))
	return nil
}

// Snapshot returns the account with its meter, appliances and derived policy flags.
func (s *Accounts) Snapshot(ctx context.Context, accountID string) (*Snapshot, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	meter, err := s.store.GetMeter(ctx, acc.MeterID)
	if err != nil {
		return nil, err
	}
	appliances, err := s.store.GetAppliancesByMeter(ctx, acc.MeterID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Account:    acc,
		Meter:      meter,
		Appliances: appliances,
		Monitoring: s.scheduler.Running(accountID),
		CanBorrow:  CanBorrow(acc),
	}
	if snap.HasFunded, err = s.policy.HasFundedBefore(ctx, accountID); err != nil {
		return nil, err
	}
	if snap.CanWithdraw, err = s.policy.CanWithdraw(ctx, acc); err != nil {
		return nil, err
	}
	if snap.MaxWithdraw, err = s.policy.MaxWithdrawAmount(ctx, acc); err != nil {
		return nil, err
	}
	return snap, nil
}

// Appliances lists the appliances of the account's meter.
func (s *Accounts) Appliances(ctx context.Context, accountID string) ([]models.Appliance, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.store.GetAppliancesByMeter(ctx, acc.MeterID)
}

// Transactions returns up to limit ledger entries, newest first.
func (s *Accounts) Transactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	return s.ledger.RecentTransactions(ctx, accountID, limit)
}

func (s *Accounts) activeAccount(ctx context.Context, accountID string) (*models.Account, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Disabled {
		return nil, ErrAccountDisabled
	}
	return acc, nil
}

// newMeterID returns MTR-<yyyymmdd>-<4 digits>.
func newMeterID(day string) string {
	return fmt.Sprintf("MTR-%s-%04d", day, 1000+rand.Intn(9000))
}

// newApplianceID returns APL-<meter>-<6 hex>.
func newApplianceID(meterID string) string {
	return "APL-" + meterID + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func defaultAppliances(meterID string, now time.Time) []models.Appliance {
	specs := models.DefaultAppliances()
	appliances := make([]models.Appliance, 0, len(specs))
	for _, spec := range specs {
		appliances = append(appliances, models.Appliance{
			ID:            newApplianceID(meterID),
			MeterID:       meterID,
			Type:          spec.Type,
			Location:      spec.Location,
			PowerRatingW:  spec.PowerRatingW,
			Session:       models.ApplianceSession{AccumKWh: decimal.Zero},
			TotalAccumKWh: decimal.Zero,
			CreatedAt:     now,
		})
	}
	return appliances
}
