// Package mongo is the document ledger store. Debits use a guarded findOneAndUpdate, so
// a balance can never be driven negative, but a debit and its ledger entry are two
// separate writes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

const (
	colAccounts     = "users"
	colMeters       = "meters"
	colAppliances   = "appliances"
	colTransactions = "transactions"
	colCounters     = "counters"

	repayAttempts = 5
)

// uniqueIndexes maps unique index names to the registration field they protect.
var uniqueIndexes = map[string]string{
	"users_username": "username",
	"users_email":    "email",
	"users_phone":    "phone",
	"users_address":  "address",
}

// Store persists the metering data set in one MongoDB database.
type Store struct {
	db     *mongo.Database
	logger *zap.Logger

	accounts     *mongo.Collection
	meters       *mongo.Collection
	appliances   *mongo.Collection
	transactions *mongo.Collection
	counters     *mongo.Collection
}

var _ repository.Store = (*Store)(nil)

// New returns a store over database. Call EnsureIndexes once at startup.
func New(db *mongo.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:           db,
		logger:       logger,
		accounts:     db.Collection(colAccounts),
		meters:       db.Collection(colMeters),
		appliances:   db.Collection(colAppliances),
		transactions: db.Collection(colTransactions),
		counters:     db.Collection(colCounters),
	}
}

// EnsureIndexes creates the unique registration indexes and the ledger indexes.
// Ledger index failures are logged only: the ledger reads fall back to a bounded scan.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := make([]mongo.IndexModel, 0, len(uniqueIndexes))
	for name, field := range uniqueIndexes {
		unique = append(unique, mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetName(name).SetUnique(true),
		})
	}
	if _, err := s.accounts.Indexes().CreateMany(ctx, unique); err != nil {
		return classify(fmt.Errorf("mongo: account indexes: %w", err))
	}

	if _, err := s.appliances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "meter_id", Value: 1}},
		Options: options.Index().SetName("appliances_meter"),
	}); err != nil {
		s.logger.Warn("appliance index not created", zap.Error(err))
	}

	ledger := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("transactions_account_ts"),
		},
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "type", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("transactions_account_type_ts"),
		},
	}
	if _, err := s.transactions.Indexes().CreateMany(ctx, ledger); err != nil {
		s.logger.Warn("ledger indexes not created, reads will use bounded scans", zap.Error(err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.Client().Ping(ctx, readpref.Primary()))
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account, meter *models.Meter, appliances []models.Appliance) error {
	acc := *account
	acc.Email = strings.ToLower(strings.TrimSpace(acc.Email))
	accDoc, err := toAccountDoc(&acc)
	if err != nil {
		return err
	}
	meterDoc, err := toMeterDoc(meter)
	if err != nil {
		return err
	}
	docs := make([]any, 0, len(appliances))
	for i := range appliances {
		d, err := toApplianceDoc(&appliances[i])
		if err != nil {
			return err
		}
		docs = append(docs, d)
	}

	if _, err := s.accounts.InsertOne(ctx, accDoc); err != nil {
		return classify(err)
	}
	if _, err := s.meters.InsertOne(ctx, meterDoc); err != nil {
		s.undoAccount(acc.ID, "")
		if mongo.IsDuplicateKeyError(err) {
			return &repository.DuplicateError{Field: "meter_id"}
		}
		return classify(err)
	}
	if len(docs) > 0 {
		if _, err := s.appliances.InsertMany(ctx, docs); err != nil {
			s.undoAccount(acc.ID, meterDoc.ID)
			if mongo.IsDuplicateKeyError(err) {
				return &repository.DuplicateError{Field: "appliance_id"}
			}
			return classify(err)
		}
	}
	return nil
}

// undoAccount removes a partially created registration. It runs on its own context so a
// cancelled request still cleans up.
func (s *Store) undoAccount(accountID, meterID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if meterID != "" {
		if _, err := s.appliances.DeleteMany(ctx, bson.M{"meter_id": meterID}); err != nil {
			s.logger.Error("registration rollback: appliances", zap.String("meter_id", meterID), zap.Error(err))
		}
		if _, err := s.meters.DeleteOne(ctx, bson.M{"_id": meterID}); err != nil {
			s.logger.Error("registration rollback: meter", zap.String("meter_id", meterID), zap.Error(err))
		}
	}
	if _, err := s.accounts.DeleteOne(ctx, bson.M{"_id": accountID}); err != nil {
		s.logger.Error("registration rollback: account", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.findAccount(ctx, bson.M{"_id": accountID})
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return s.findAccount(ctx, bson.M{"username": username})
}

func (s *Store) findAccount(ctx context.Context, filter bson.M) (*models.Account, error) {
	var doc accountDoc
	if err := s.accounts.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, classify(err)
	}
	return fromAccountDoc(&doc)
}

func (s *Store) SetNotification(ctx context.Context, accountID, notification string) error {
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"last_notification": notification}},
	)
	return matched(res, err)
}

func (s *Store) DisableAccount(ctx context.Context, accountID string) error {
	var doc accountDoc
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"disabled": true}},
	).Decode(&doc)
	if err != nil {
		return classify(err)
	}
	if _, err := s.meters.UpdateOne(ctx,
		bson.M{"_id": doc.MeterID},
		bson.M{"$set": bson.M{"status": string(models.MeterDeleted)}},
	); err != nil {
		return classify(err)
	}
	_, err = s.appliances.DeleteMany(ctx, bson.M{"meter_id": doc.MeterID})
	return classify(err)
}

func (s *Store) GetMeter(ctx context.Context, meterID string) (*models.Meter, error) {
	var doc meterDoc
	if err := s.meters.FindOne(ctx, bson.M{"_id": meterID}).Decode(&doc); err != nil {
		return nil, classify(err)
	}
	return fromMeterDoc(&doc)
}

func (s *Store) IncrementMeterEnergy(ctx context.Context, meterID string, kwh decimal.Decimal) error {
	inc, err := toDecimal128(kwh)
	if err != nil {
		return err
	}
	res, err := s.meters.UpdateOne(ctx,
		bson.M{"_id": meterID},
		bson.M{"$inc": bson.M{"total_energy_kwh": inc}},
	)
	return matched(res, err)
}

func (s *Store) GetAppliancesByMeter(ctx context.Context, meterID string) ([]models.Appliance, error) {
	cursor, err := s.appliances.Find(ctx,
		bson.M{"meter_id": meterID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, classify(err)
	}
	var docs []applianceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	result := make([]models.Appliance, 0, len(docs))
	for i := range docs {
		a, err := fromApplianceDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

func (s *Store) GetAppliance(ctx context.Context, applianceID string) (*models.Appliance, error) {
	var doc applianceDoc
	if err := s.appliances.FindOne(ctx, bson.M{"_id": applianceID}).Decode(&doc); err != nil {
		return nil, classify(err)
	}
	a, err := fromApplianceDoc(&doc)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) UpdateApplianceState(ctx context.Context, applianceID string, update models.ApplianceStateUpdate) error {
	set := bson.M{"is_on": update.IsOn}
	if update.ManualControl != nil {
		set["manual_control"] = *update.ManualControl
	}
	if update.StartedAt != nil {
		zero, err := toDecimal128(decimal.Zero)
		if err != nil {
			return err
		}
		set["session_started_at"] = update.StartedAt.UTC()
		set["accum_kwh_session"] = zero
	}
	res, err := s.appliances.UpdateOne(ctx, bson.M{"_id": applianceID}, bson.M{"$set": set})
	return matched(res, err)
}

func (s *Store) IncrementApplianceEnergy(ctx context.Context, applianceID string, kwh decimal.Decimal) error {
	inc, err := toDecimal128(kwh)
	if err != nil {
		return err
	}
	res, err := s.appliances.UpdateOne(ctx,
		bson.M{"_id": applianceID},
		bson.M{"$inc": bson.M{"accum_kwh_session": inc, "total_accum_kwh": inc}},
	)
	return matched(res, err)
}

func (s *Store) TurnOffAll(ctx context.Context, meterID string) error {
	_, err := s.appliances.UpdateMany(ctx,
		bson.M{"meter_id": meterID},
		bson.M{"$set": bson.M{"is_on": false, "manual_control": false}},
	)
	return classify(err)
}

// TryDebit decrements funds only when the stored balance covers amount and returns the
// document as it was before the update.
func (s *Store) TryDebit(ctx context.Context, accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	cost, err := toDecimal128(amount)
	if err != nil {
		return false, decimal.Zero, err
	}
	neg, err := toDecimal128(amount.Neg())
	if err != nil {
		return false, decimal.Zero, err
	}

	var doc accountDoc
	err = s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": accountID, "funds": bson.M{"$gte": cost}},
		bson.M{"$inc": bson.M{"funds": neg}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&doc)
	if err == nil {
		prior, err := fromDecimal128(doc.Funds)
		return true, prior, err
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, decimal.Zero, classify(err)
	}

	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, decimal.Zero, err
	}
	return false, acc.Funds, nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	inc, err := toDecimal128(amount)
	if err != nil {
		return decimal.Zero, err
	}
	var doc accountDoc
	err = s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": accountID},
		bson.M{"$inc": bson.M{"funds": inc}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return decimal.Zero, classify(err)
	}
	return fromDecimal128(doc.Funds)
}

func (s *Store) ApplyBorrow(ctx context.Context, accountID string, amount decimal.Decimal) (bool, error) {
	value, err := toDecimal128(amount)
	if err != nil {
		return false, err
	}
	zero, err := toDecimal128(decimal.Zero)
	if err != nil {
		return false, err
	}
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": accountID, "funds": zero, "borrowed": zero},
		bson.M{"$set": bson.M{"funds": value, "borrowed": value}},
	)
	if err != nil {
		return false, classify(err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

// RepayDebt reads the balance and applies the repayment guarded by the values it read,
// retrying when a concurrent update got in between.
func (s *Store) RepayDebt(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	for attempt := 0; attempt < repayAttempts; attempt++ {
		var doc accountDoc
		if err := s.accounts.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc); err != nil {
			return decimal.Zero, decimal.Zero, classify(err)
		}
		funds, err := fromDecimal128(doc.Funds)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		borrowed, err := fromDecimal128(doc.Borrowed)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		pay := decimal.Min(funds, borrowed)
		if !pay.IsPositive() {
			return decimal.Zero, funds, nil
		}
		neg, err := toDecimal128(pay.Neg())
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		res, err := s.accounts.UpdateOne(ctx,
			bson.M{"_id": accountID, "funds": doc.Funds, "borrowed": doc.Borrowed},
			bson.M{"$inc": bson.M{"funds": neg, "borrowed": neg}},
		)
		if err != nil {
			return decimal.Zero, decimal.Zero, classify(err)
		}
		if res.MatchedCount == 1 {
			return pay, funds.Sub(pay), nil
		}
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("%w: debt repayment kept conflicting", repository.ErrStoreUnavailable)
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": colTransactions},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, classify(err)
	}
	return counter.Seq, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	tx.Seq = seq
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	doc, err := toTransactionDoc(tx)
	if err != nil {
		return err
	}
	_, err = s.transactions.InsertOne(ctx, doc)
	return classify(err)
}

func (s *Store) SumByType(ctx context.Context, accountID string, txType models.TransactionType) (decimal.Decimal, error) {
	pipeline := bson.A{
		bson.M{"$match": bson.M{"account_id": accountID, "type": string(txType)}},
		bson.M{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}},
	}
	cursor, err := s.transactions.Aggregate(ctx, pipeline)
	if err != nil {
		return decimal.Zero, queryFailed("sum", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Total bson.Decimal128 `bson:"total"`
	}
	if !cursor.Next(ctx) {
		if err := cursor.Err(); err != nil {
			return decimal.Zero, queryFailed("sum", err)
		}
		return decimal.Zero, nil
	}
	if err := cursor.Decode(&result); err != nil {
		return decimal.Zero, queryFailed("sum", err)
	}
	return fromDecimal128(result.Total)
}

var newestFirst = bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}

func (s *Store) LatestByType(ctx context.Context, accountID string, txType models.TransactionType) (*models.Transaction, error) {
	var doc transactionDoc
	err := s.transactions.FindOne(ctx,
		bson.M{"account_id": accountID, "type": string(txType)},
		options.FindOne().SetSort(newestFirst),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, queryFailed("latest", err)
	}
	tx, err := fromTransactionDoc(&doc)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	opts := options.Find().SetSort(newestFirst)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	txs, err := s.findTransactions(ctx, bson.M{"account_id": accountID}, opts)
	if err != nil {
		return nil, queryFailed("list", err)
	}
	return txs, nil
}

func (s *Store) HasTransaction(ctx context.Context, accountID string, txType models.TransactionType) (bool, error) {
	n, err := s.transactions.CountDocuments(ctx,
		bson.M{"account_id": accountID, "type": string(txType)},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, queryFailed("exists", err)
	}
	return n > 0, nil
}

// ScanTransactions is a plain filtered find with no sort, so it needs no index.
func (s *Store) ScanTransactions(ctx context.Context, accountID string, txType models.TransactionType, limit int) ([]models.Transaction, error) {
	filter := bson.M{"account_id": accountID}
	if txType != "" {
		filter["type"] = string(txType)
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	txs, err := s.findTransactions(ctx, filter, opts)
	return txs, classify(err)
}

func (s *Store) findTransactions(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]models.Transaction, error) {
	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []transactionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	txs := make([]models.Transaction, 0, len(docs))
	for i := range docs {
		tx, err := fromTransactionDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func matched(res *mongo.UpdateResult, err error) error {
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func queryFailed(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %s: %v", repository.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %v", repository.ErrQueryFailed, op, err)
}

// classify maps driver errors onto the repository sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return repository.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		for name, field := range uniqueIndexes {
			if strings.Contains(err.Error(), name) {
				return &repository.DuplicateError{Field: field}
			}
		}
		return fmt.Errorf("%w: %v", repository.ErrAlreadyExists, err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return err
}
