package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrUnbalancedEntry = errors.New("UNBALANCED_ENTRY: journal debits and credits do not balance")
	ErrTooFewLines     = errors.New("TOO_FEW_LINES: a journal needs at least two lines")
	ErrPeriodClosed    = errors.New("PERIOD_CLOSED: accounting period is closed for ordinary entries")
)

// journalBalanceEpsilon absorbs 4dp rounding drift, nothing more.
var journalBalanceEpsilon = decimal.NewFromFloat(0.001)

type Journal struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index;not null;uniqueIndex:idx_journal_business_seq" json:"business_id"`
	JournalNumber  string          `gorm:"size:255;not null" json:"journal_number"`
	SequenceNo     decimal.Decimal `gorm:"type:decimal(15);not null;uniqueIndex:idx_journal_business_seq" json:"sequence_no"`
	JournalDate    time.Time       `gorm:"index;not null" json:"journal_date"`
	Description    string          `gorm:"type:text" json:"description"`
	ReferenceType  ReferenceType   `gorm:"index;size:50" json:"reference_type"`
	ReferenceId    int             `gorm:"index" json:"reference_id"`
	IdempotencyKey *string         `gorm:"uniqueIndex;size:100" json:"idempotency_key"`
	IsAdjustment   *bool           `gorm:"not null;default:false" json:"is_adjustment"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	CreatedBy      int             `json:"created_by"`
	PostedAt       time.Time       `gorm:"not null" json:"posted_at"`
	Lines          []JournalLine   `gorm:"foreignKey:JournalId" json:"lines"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type JournalLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	JournalId   int             `gorm:"index;not null" json:"journal_id"`
	AccountId   int             `gorm:"index;not null" json:"account_id" binding:"required"`
	Description string          `gorm:"size:255" json:"description"`
	Debit       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

type NewJournal struct {
	Description    string           `json:"description"`
	ReferenceType  ReferenceType    `json:"reference_type"`
	ReferenceId    int              `json:"reference_id"`
	JournalDate    *time.Time       `json:"journal_date"`
	IdempotencyKey *string          `json:"idempotency_key"`
	Lines          []NewJournalLine `json:"lines" binding:"required"`
}

type NewJournalLine struct {
	AccountId   int             `json:"account_id" binding:"required"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// receiveJournalLines validates input lines and materializes them. Pure with
// respect to the database; balance checking lives in checkJournalBalance so
// tests can exercise both without a connection.
func receiveJournalLines(input *NewJournal) ([]JournalLine, decimal.Decimal, error) {
	lines := make([]JournalLine, 0, len(input.Lines))
	totalDebit := decimal.Zero
	for _, l := range input.Lines {
		if l.Debit.IsZero() && l.Credit.IsZero() {
			return nil, decimal.Zero, errors.New("either debit or credit must have value")
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return nil, decimal.Zero, errors.New("debit and credit must not be negative")
		}
		totalDebit = totalDebit.Add(l.Debit)
		lines = append(lines, JournalLine{
			AccountId:   l.AccountId,
			Description: l.Description,
			Debit:       l.Debit,
			Credit:      l.Credit,
		})
	}
	if len(lines) < 2 {
		return nil, decimal.Zero, ErrTooFewLines
	}
	if err := checkJournalBalance(lines); err != nil {
		return nil, decimal.Zero, err
	}
	return lines, totalDebit, nil
}

// checkJournalBalance enforces the double-entry invariant:
// |sum(debit) - sum(credit)| <= 0.001.
func checkJournalBalance(lines []JournalLine) error {
	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for _, l := range lines {
		totalDebit = totalDebit.Add(l.Debit)
		totalCredit = totalCredit.Add(l.Credit)
	}
	if totalDebit.Sub(totalCredit).Abs().GreaterThan(journalBalanceEpsilon) {
		return ErrUnbalancedEntry
	}
	return nil
}

// CreateJournalEntry posts an ordinary balanced entry. Entries post
// immediately (there is no draft state) and are immutable once created;
// corrections go through ReverseJournal, never edits.
func CreateJournalEntry(ctx context.Context, input *NewJournal) (*Journal, error) {
	return createJournalEntry(ctx, input, false)
}

// CreateAdjustmentJournalEntry posts with the same balance validation but
// skips the period-close lock. This is the only sanctioned bypass; it exists
// for corrections into finalized months and must never carry ordinary
// business postings.
func CreateAdjustmentJournalEntry(ctx context.Context, input *NewJournal) (*Journal, error) {
	return createJournalEntry(ctx, input, true)
}

func createJournalEntry(ctx context.Context, input *NewJournal, isAdjustment bool) (*Journal, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	lines, totalAmount, err := receiveJournalLines(input)
	if err != nil {
		return nil, err
	}
	accountIds := make([]int, 0, len(lines))
	for _, l := range lines {
		accountIds = append(accountIds, l.AccountId)
	}
	if err := utils.ValidateResourcesId[Account](ctx, businessId, accountIds); err != nil {
		return nil, errors.New("account not found")
	}

	journalDate := time.Now()
	if input.JournalDate != nil {
		journalDate = *input.JournalDate
	}

	// Replay with the same idempotency key returns the original posting.
	if input.IdempotencyKey != nil && *input.IdempotencyKey != "" {
		existing, err := findJournalByIdempotencyKey(ctx, businessId, *input.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	seqNo, err := utils.GetSequence[Journal](ctx, businessId)
	if err != nil {
		return nil, err
	}

	journal := Journal{
		BusinessId:     businessId,
		JournalNumber:  fmt.Sprintf("JRN-%d", seqNo),
		SequenceNo:     decimal.NewFromInt(seqNo),
		JournalDate:    journalDate,
		Description:    input.Description,
		ReferenceType:  input.ReferenceType,
		ReferenceId:    input.ReferenceId,
		IdempotencyKey: input.IdempotencyKey,
		IsAdjustment:   &isAdjustment,
		TotalAmount:    totalAmount,
		CreatedBy:      userId,
		PostedAt:       time.Now(),
		Lines:          lines,
	}

	db := config.GetDB()
	tx := db.Begin()
	if !isAdjustment {
		if err := checkPeriodOpen(tx.WithContext(ctx), businessId, journalDate); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.WithContext(ctx).Create(&journal).Error; err != nil {
		tx.Rollback()
		// Two callers raced on the same idempotency key; the loser adopts
		// the winner's journal.
		if isDuplicateKeyError(err) && input.IdempotencyKey != nil && *input.IdempotencyKey != "" {
			existing, findErr := findJournalByIdempotencyKey(ctx, businessId, *input.IdempotencyKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &journal, nil
}

func isDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// createJournalInTx posts inside an already-open transaction. Used by
// allocation/goods-out/receiving code so a failed posting aborts the whole
// business operation.
func createJournalInTx(tx *gorm.DB, businessId string, userId int, input *NewJournal, isAdjustment bool) (*Journal, error) {
	lines, totalAmount, err := receiveJournalLines(input)
	if err != nil {
		return nil, err
	}

	journalDate := time.Now()
	if input.JournalDate != nil {
		journalDate = *input.JournalDate
	}
	if !isAdjustment {
		if err := checkPeriodOpen(tx, businessId, journalDate); err != nil {
			return nil, err
		}
	}

	// Same allocator as the context path; a unique index on
	// (business_id, sequence_no) backstops it against duplicate numbers.
	seqCtx := tx.Statement.Context
	if seqCtx == nil {
		seqCtx = context.Background()
	}
	seqNo, err := utils.GetSequence[Journal](seqCtx, businessId)
	if err != nil {
		return nil, err
	}

	journal := Journal{
		BusinessId:     businessId,
		JournalNumber:  fmt.Sprintf("JRN-%d", seqNo),
		SequenceNo:     decimal.NewFromInt(seqNo),
		JournalDate:    journalDate,
		Description:    input.Description,
		ReferenceType:  input.ReferenceType,
		ReferenceId:    input.ReferenceId,
		IdempotencyKey: input.IdempotencyKey,
		IsAdjustment:   &isAdjustment,
		TotalAmount:    totalAmount,
		CreatedBy:      userId,
		PostedAt:       time.Now(),
		Lines:          lines,
	}
	if err := tx.Create(&journal).Error; err != nil {
		return nil, err
	}
	return &journal, nil
}

func findJournalByIdempotencyKey(ctx context.Context, businessId string, key string) (*Journal, error) {
	db := config.GetDB()
	var journal Journal
	err := db.WithContext(ctx).Preload("Lines").
		Where("business_id = ? AND idempotency_key = ?", businessId, key).
		First(&journal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &journal, nil
}

// ReverseJournal posts a mirrored adjustment entry against an existing
// journal. Reversals may target closed periods, which is why they ride the
// adjustment path.
func ReverseJournal(ctx context.Context, journalId int, reason string) (*Journal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if reason == "" {
		return nil, errors.New("reversal reason is required")
	}

	original, err := utils.FetchModel[Journal](ctx, businessId, journalId, "Lines")
	if err != nil {
		return nil, err
	}

	reversed := make([]NewJournalLine, 0, len(original.Lines))
	for _, l := range original.Lines {
		reversed = append(reversed, NewJournalLine{
			AccountId:   l.AccountId,
			Description: l.Description,
			Debit:       l.Credit,
			Credit:      l.Debit,
		})
	}
	return CreateAdjustmentJournalEntry(ctx, &NewJournal{
		Description:   fmt.Sprintf("Reversal of %s: %s", original.JournalNumber, reason),
		ReferenceType: ReferenceTypeReversal,
		ReferenceId:   original.ID,
		Lines:         reversed,
	})
}

func GetJournal(ctx context.Context, id int) (*Journal, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Journal](ctx, businessId, id, "Lines")
}
