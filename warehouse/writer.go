package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/model"
)

// Writer upserts parsed rows. Each Upsert* call is one transaction;
// the AndAdvanceMonth variants commit the rows and the chunk watermark
// together, which is what makes snapshot resume safe.
type Writer struct {
	pool   *pgxpool.Pool
	states *StateStore
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, states *StateStore, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, states: states, logger: logger}
}

func (w *Writer) UpsertLedgers(ctx context.Context, rows []model.LedgerRow) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		return upsertLedgerRows(ctx, tx, rows)
	})
}

func (w *Writer) UpsertTrialBalance(ctx context.Context, rows []model.TrialBalanceRow) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		return upsertTrialBalanceRows(ctx, tx, rows)
	})
}

func (w *Writer) UpsertInventoryVouchers(ctx context.Context, kind model.EntityKind, rows []model.InventoryVoucherRow) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		return upsertInventoryRows(ctx, tx, kind.Table(), rows)
	})
}

func (w *Writer) UpsertLedgerVouchers(ctx context.Context, kind model.EntityKind, rows []model.LedgerVoucherRow) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		return upsertLedgerVoucherRows(ctx, tx, kind.Table(), rows)
	})
}

// UpsertInventoryAndAdvanceMonth writes the chunk's rows and advances
// the (company, kind) chunk watermark in the same transaction.
func (w *Writer) UpsertInventoryAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.InventoryVoucherRow, month string) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsertInventoryRows(ctx, tx, kind.Table(), rows); err != nil {
			return err
		}
		return w.states.advanceMonthTx(ctx, tx, company, kind, month)
	})
}

func (w *Writer) UpsertLedgerAndAdvanceMonth(ctx context.Context, company string, kind model.EntityKind, rows []model.LedgerVoucherRow, month string) error {
	return w.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsertLedgerVoucherRows(ctx, tx, kind.Table(), rows); err != nil {
			return err
		}
		return w.states.advanceMonthTx(ctx, tx, company, kind, month)
	})
}

func (w *Writer) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func upsertLedgerRows(ctx context.Context, tx pgx.Tx, rows []model.LedgerRow) error {
	const query = `
		INSERT INTO ledgers (
			company_name, name, alias1, alias2, alias3, parent_group,
			mailing_name, phone, email, address1, address2, address3,
			state, pincode, gstin, pan,
			bank_account_no, bank_ifsc, bank_name,
			opening_balance, created_date, modified_date,
			guid, alter_id, master_id, change_status, is_deleted
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (company_name, guid) DO UPDATE SET
			name = EXCLUDED.name,
			alias1 = EXCLUDED.alias1,
			alias2 = EXCLUDED.alias2,
			alias3 = EXCLUDED.alias3,
			parent_group = EXCLUDED.parent_group,
			mailing_name = EXCLUDED.mailing_name,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			address1 = EXCLUDED.address1,
			address2 = EXCLUDED.address2,
			address3 = EXCLUDED.address3,
			state = EXCLUDED.state,
			pincode = EXCLUDED.pincode,
			gstin = EXCLUDED.gstin,
			pan = EXCLUDED.pan,
			bank_account_no = EXCLUDED.bank_account_no,
			bank_ifsc = EXCLUDED.bank_ifsc,
			bank_name = EXCLUDED.bank_name,
			opening_balance = EXCLUDED.opening_balance,
			created_date = EXCLUDED.created_date,
			modified_date = EXCLUDED.modified_date,
			alter_id = EXCLUDED.alter_id,
			master_id = EXCLUDED.master_id,
			change_status = EXCLUDED.change_status,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = now()
		WHERE ledgers.alter_id < EXCLUDED.alter_id
	`
	for _, r := range rows {
		_, err := tx.Exec(ctx, query,
			r.CompanyName, r.Name, r.Alias1, r.Alias2, r.Alias3, r.ParentGroup,
			r.MailingName, r.Phone, r.Email, r.Address1, r.Address2, r.Address3,
			r.State, r.Pincode, r.GSTIN, r.PAN,
			r.BankAccountNumber, r.BankIFSC, r.BankName,
			r.OpeningBalance, r.CreatedDate, r.ModifiedDate,
			r.GUID, r.AlterID, r.MasterID, r.ChangeStatus, r.IsDeleted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert ledger %s: %w", r.GUID, err)
		}
	}
	return nil
}

func upsertTrialBalanceRows(ctx context.Context, tx pgx.Tx, rows []model.TrialBalanceRow) error {
	const query = `
		INSERT INTO trial_balance (
			company_name, ledger_name, parent_group,
			opening, net, closing, start_date, end_date, alter_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (company_name, ledger_name, start_date, end_date) DO UPDATE SET
			parent_group = EXCLUDED.parent_group,
			opening = EXCLUDED.opening,
			net = EXCLUDED.net,
			closing = EXCLUDED.closing,
			alter_id = EXCLUDED.alter_id,
			updated_at = now()
	`
	for _, r := range rows {
		_, err := tx.Exec(ctx, query,
			r.CompanyName, r.LedgerName, r.ParentGroup,
			r.Opening, r.Net, r.Closing, r.StartDate, r.EndDate, r.AlterID,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert trial balance row %s: %w", r.LedgerName, err)
		}
	}
	return nil
}

func upsertInventoryRows(ctx context.Context, tx pgx.Tx, table string, rows []model.InventoryVoucherRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			company_name, voucher_date, voucher_number, voucher_type,
			party_name, party_gstin, line_no, item_name,
			quantity, unit, alt_qty, alt_unit,
			batch_name, mfg_date, expiry_date, hsn_code,
			gst_rate, rate, amount, discount,
			cgst, sgst, igst,
			freight, dca, cf, other_charges, total_amount,
			currency, exchange_rate, narration,
			guid, alter_id, master_id, change_status, is_deleted
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
			$27, $28, $29, $30, $31, $32, $33, $34, $35, $36
		)
		ON CONFLICT (company_name, guid, line_no) DO UPDATE SET
			voucher_date = EXCLUDED.voucher_date,
			voucher_number = EXCLUDED.voucher_number,
			voucher_type = EXCLUDED.voucher_type,
			party_name = EXCLUDED.party_name,
			party_gstin = EXCLUDED.party_gstin,
			item_name = EXCLUDED.item_name,
			quantity = EXCLUDED.quantity,
			unit = EXCLUDED.unit,
			alt_qty = EXCLUDED.alt_qty,
			alt_unit = EXCLUDED.alt_unit,
			batch_name = EXCLUDED.batch_name,
			mfg_date = EXCLUDED.mfg_date,
			expiry_date = EXCLUDED.expiry_date,
			hsn_code = EXCLUDED.hsn_code,
			gst_rate = EXCLUDED.gst_rate,
			rate = EXCLUDED.rate,
			amount = EXCLUDED.amount,
			discount = EXCLUDED.discount,
			cgst = EXCLUDED.cgst,
			sgst = EXCLUDED.sgst,
			igst = EXCLUDED.igst,
			freight = EXCLUDED.freight,
			dca = EXCLUDED.dca,
			cf = EXCLUDED.cf,
			other_charges = EXCLUDED.other_charges,
			total_amount = EXCLUDED.total_amount,
			currency = EXCLUDED.currency,
			exchange_rate = EXCLUDED.exchange_rate,
			narration = EXCLUDED.narration,
			alter_id = EXCLUDED.alter_id,
			master_id = EXCLUDED.master_id,
			change_status = EXCLUDED.change_status,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = now()
		WHERE %[1]s.alter_id < EXCLUDED.alter_id
	`, table)

	for _, r := range rows {
		// A deleted voucher arriving with no line items is a stub:
		// fan the soft delete out over every stored row of the guid.
		if r.Deleted() && r.ItemName == "" {
			if err := softDeleteGUID(ctx, tx, table, r.CompanyName, r.GUID, r.AlterID); err != nil {
				return err
			}
			continue
		}
		_, err := tx.Exec(ctx, query,
			r.CompanyName, r.Date, r.VoucherNumber, r.VoucherType,
			r.PartyName, r.PartyGSTIN, r.LineNo, r.ItemName,
			r.Quantity, r.Unit, r.AltQty, r.AltUnit,
			r.BatchName, r.MfgDate, r.Expiry, r.HSNCode,
			r.GSTRate, r.Rate, r.Amount, r.Discount,
			r.CGST, r.SGST, r.IGST,
			r.Freight, r.DCA, r.CF, r.OtherCharges, r.TotalAmount,
			r.Currency, r.ExchangeRate, r.Narration,
			r.GUID, r.AlterID, r.MasterID, r.ChangeStatus, r.IsDeleted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s row %s/%d: %w", table, r.GUID, r.LineNo, err)
		}
	}
	return nil
}

func upsertLedgerVoucherRows(ctx context.Context, tx pgx.Tx, table string, rows []model.LedgerVoucherRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			company_name, voucher_date, voucher_number, voucher_type,
			line_no, ledger_name, amount, amount_type,
			currency, exchange_rate, narration,
			guid, alter_id, master_id, change_status, is_deleted
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (company_name, guid, line_no) DO UPDATE SET
			voucher_date = EXCLUDED.voucher_date,
			voucher_number = EXCLUDED.voucher_number,
			voucher_type = EXCLUDED.voucher_type,
			ledger_name = EXCLUDED.ledger_name,
			amount = EXCLUDED.amount,
			amount_type = EXCLUDED.amount_type,
			currency = EXCLUDED.currency,
			exchange_rate = EXCLUDED.exchange_rate,
			narration = EXCLUDED.narration,
			alter_id = EXCLUDED.alter_id,
			master_id = EXCLUDED.master_id,
			change_status = EXCLUDED.change_status,
			is_deleted = EXCLUDED.is_deleted,
			updated_at = now()
		WHERE %[1]s.alter_id < EXCLUDED.alter_id
	`, table)

	for _, r := range rows {
		if r.Deleted() && r.LedgerName == "" {
			if err := softDeleteGUID(ctx, tx, table, r.CompanyName, r.GUID, r.AlterID); err != nil {
				return err
			}
			continue
		}
		_, err := tx.Exec(ctx, query,
			r.CompanyName, r.Date, r.VoucherNumber, r.VoucherType,
			r.LineNo, r.LedgerName, r.Amount, r.AmountType,
			r.Currency, r.ExchangeRate, r.Narration,
			r.GUID, r.AlterID, r.MasterID, r.ChangeStatus, r.IsDeleted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s row %s/%d: %w", table, r.GUID, r.LineNo, err)
		}
	}
	return nil
}

func softDeleteGUID(ctx context.Context, tx pgx.Tx, table, company, guid string, alterID int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			is_deleted = 'Yes',
			change_status = 'Deleted',
			alter_id = GREATEST(alter_id, $3),
			updated_at = now()
		WHERE company_name = $1 AND guid = $2
	`, table)
	if _, err := tx.Exec(ctx, query, company, guid, alterID); err != nil {
		return fmt.Errorf("failed to soft-delete %s guid %s: %w", table, guid, err)
	}
	return nil
}
