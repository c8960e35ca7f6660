package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"prepaidmeter/backend/services/metering-service/internal/models"
)

type accountDoc struct {
	ID               string          `bson:"_id"`
	Username         string          `bson:"username"`
	Email            string          `bson:"email"`
	Phone            string          `bson:"phone"`
	FullName         string          `bson:"full_name"`
	Address          string          `bson:"address"`
	PasswordHash     string          `bson:"password_hash"`
	Role             string          `bson:"role"`
	Funds            bson.Decimal128 `bson:"funds"`
	Borrowed         bson.Decimal128 `bson:"borrowed"`
	MeterID          string          `bson:"meter_id"`
	LastNotification string          `bson:"last_notification"`
	Disabled         bool            `bson:"disabled"`
	RegisteredAt     time.Time       `bson:"registered_at"`
}

type meterDoc struct {
	ID             string          `bson:"_id"`
	AccountID      string          `bson:"account_id"`
	Address        string          `bson:"address"`
	Status         string          `bson:"status"`
	TotalEnergyKWh bson.Decimal128 `bson:"total_energy_kwh"`
	CreatedAt      time.Time       `bson:"created_at"`
}

type applianceDoc struct {
	ID               string          `bson:"_id"`
	MeterID          string          `bson:"meter_id"`
	Type             string          `bson:"type"`
	Location         string          `bson:"location"`
	PowerRatingW     int             `bson:"power_rating_w"`
	IsOn             bool            `bson:"is_on"`
	ManualControl    bool            `bson:"manual_control"`
	SessionStartedAt *time.Time      `bson:"session_started_at,omitempty"`
	SessionAccumKWh  bson.Decimal128 `bson:"accum_kwh_session"`
	TotalAccumKWh    bson.Decimal128 `bson:"total_accum_kwh"`
	CreatedAt        time.Time       `bson:"created_at"`
}

type transactionDoc struct {
	ID           string            `bson:"_id"`
	Seq          int64             `bson:"seq"`
	AccountID    string            `bson:"account_id"`
	Type         string            `bson:"type"`
	Amount       bson.Decimal128   `bson:"amount"`
	BalanceAfter bson.Decimal128   `bson:"balance_after"`
	Metadata     map[string]string `bson:"metadata"`
	Timestamp    time.Time         `bson:"timestamp"`
}

func toDecimal128(d decimal.Decimal) (bson.Decimal128, error) {
	v, err := bson.ParseDecimal128(d.String())
	if err != nil {
		return bson.Decimal128{}, fmt.Errorf("mongo: decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v bson.Decimal128) (decimal.Decimal, error) {
	if v.IsZero() {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("mongo: decimal128 %s: %w", v, err)
	}
	return d, nil
}

func toAccountDoc(a *models.Account) (*accountDoc, error) {
	funds, err := toDecimal128(a.Funds)
	if err != nil {
		return nil, err
	}
	borrowed, err := toDecimal128(a.Borrowed)
	if err != nil {
		return nil, err
	}
	return &accountDoc{
		ID:               a.ID,
		Username:         a.Username,
		Email:            a.Email,
		Phone:            a.Phone,
		FullName:         a.FullName,
		Address:          a.Address,
		PasswordHash:     a.PasswordHash,
		Role:             a.Role,
		Funds:            funds,
		Borrowed:         borrowed,
		MeterID:          a.MeterID,
		LastNotification: a.LastNotification,
		Disabled:         a.Disabled,
		RegisteredAt:     a.RegisteredAt,
	}, nil
}

func fromAccountDoc(d *accountDoc) (*models.Account, error) {
	funds, err := fromDecimal128(d.Funds)
	if err != nil {
		return nil, err
	}
	borrowed, err := fromDecimal128(d.Borrowed)
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:               d.ID,
		Username:         d.Username,
		Email:            d.Email,
		Phone:            d.Phone,
		FullName:         d.FullName,
		Address:          d.Address,
		PasswordHash:     d.PasswordHash,
		Role:             d.Role,
		Funds:            funds,
		Borrowed:         borrowed,
		MeterID:          d.MeterID,
		LastNotification: d.LastNotification,
		Disabled:         d.Disabled,
		RegisteredAt:     d.RegisteredAt.UTC(),
	}, nil
}

func toMeterDoc(m *models.Meter) (*meterDoc, error) {
	total, err := toDecimal128(m.TotalEnergyKWh)
	if err != nil {
		return nil, err
	}
	return &meterDoc{
		ID:             m.ID,
		AccountID:      m.AccountID,
		Address:        m.Address,
		Status:         string(m.Status),
		TotalEnergyKWh: total,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func fromMeterDoc(d *meterDoc) (*models.Meter, error) {
	total, err := fromDecimal128(d.TotalEnergyKWh)
	if err != nil {
		return nil, err
	}
	return &models.Meter{
		ID:             d.ID,
		AccountID:      d.AccountID,
		Address:        d.Address,
		Status:         models.MeterStatus(d.Status),
		TotalEnergyKWh: total,
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}

func toApplianceDoc(a *models.Appliance) (*applianceDoc, error) {
	session, err := toDecimal128(a.Session.AccumKWh)
	if err != nil {
		return nil, err
	}
	total, err := toDecimal128(a.TotalAccumKWh)
	if err != nil {
		return nil, err
	}
	return &applianceDoc{
		ID:               a.ID,
		MeterID:          a.MeterID,
		Type:             string(a.Type),
		Location:         a.Location,
		PowerRatingW:     a.PowerRatingW,
		IsOn:             a.IsOn,
		ManualControl:    a.ManualControl,
		SessionStartedAt: a.Session.StartedAt,
		SessionAccumKWh:  session,
		TotalAccumKWh:    total,
		CreatedAt:        a.CreatedAt,
	}, nil
}

func fromApplianceDoc(d *applianceDoc) (models.Appliance, error) {
	session, err := fromDecimal128(d.SessionAccumKWh)
	if err != nil {
		return models.Appliance{}, err
	}
	total, err := fromDecimal128(d.TotalAccumKWh)
	if err != nil {
		return models.Appliance{}, err
	}
	a := models.Appliance{
		ID:            d.ID,
		MeterID:       d.MeterID,
		Type:          models.ApplianceType(d.Type),
		Location:      d.Location,
		PowerRatingW:  d.PowerRatingW,
		IsOn:          d.IsOn,
		ManualControl: d.ManualControl,
		Session:       models.ApplianceSession{AccumKWh: session},
		TotalAccumKWh: total,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if d.SessionStartedAt != nil {
		started := d.SessionStartedAt.UTC()
		a.Session.StartedAt = &started
	}
	return a, nil
}

func toTransactionDoc(tx *models.Transaction) (*transactionDoc, error) {
	amount, err := toDecimal128(tx.Amount)
	if err != nil {
		return nil, err
	}
	after, err := toDecimal128(tx.BalanceAfter)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if tx.Metadata != nil {
		fields = tx.Metadata.Fields()
	}
	return &transactionDoc{
		ID:           tx.ID.String(),
		Seq:          tx.Seq,
		AccountID:    tx.AccountID,
		Type:         string(tx.Type),
		Amount:       amount,
		BalanceAfter: after,
		Metadata:     fields,
		Timestamp:    tx.Timestamp,
	}, nil
}

func fromTransactionDoc(d *transactionDoc) (models.Transaction, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("mongo: transaction id %q: %w", d.ID, err)
	}
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return models.Transaction{}, err
	}
	after, err := fromDecimal128(d.BalanceAfter)
	if err != nil {
		return models.Transaction{}, err
	}
	txType := models.TransactionType(d.Type)
	meta, err := models.DecodeMetadata(txType, d.Metadata)
	if err != nil {
		return models.Transaction{}, err
	}
	return models.Transaction{
		Seq:          d.Seq,
		ID:           id,
		AccountID:    d.AccountID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: after,
		Metadata:     meta,
		Timestamp:    d.Timestamp.UTC(),
	}, nil
}
