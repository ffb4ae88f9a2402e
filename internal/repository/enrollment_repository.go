package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/matricula-api/internal/models"
)

const enrollmentColumns = `id, student_name, student_email, student_tax_id, course_id, institution_id, polo_id,
        amount, status, external_reference, gateway_customer_id, gateway_charge_id, payment_link_url,
        error_detail, source_channel, created_by, updated_by, created_at, updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusPending
	}
	const query = `INSERT INTO enrollments (id, student_name, student_email, student_tax_id, course_id, institution_id, polo_id,
        amount, status, external_reference, gateway_customer_id, gateway_charge_id, payment_link_url,
        error_detail, source_channel, created_by, updated_by, created_at, updated_at)
        VALUES (:id, :student_name, :student_email, :student_tax_id, :course_id, :institution_id, :polo_id,
        :amount, :status, :external_reference, :gateway_customer_id, :gateway_charge_id, :payment_link_url,
        :error_detail, :source_channel, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByChargeID returns the enrollment owning a gateway charge. Webhook
// ingestion resolves enrollments this way; external references may be
// ambiguous across providers.
func (r *EnrollmentRepository) FindByChargeID(ctx context.Context, chargeID string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE gateway_charge_id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, chargeID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ExistsByExternalReference checks reference uniqueness before assignment.
func (r *EnrollmentRepository) ExistsByExternalReference(ctx context.Context, ref string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE external_reference = $1 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, ref); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check external reference: %w", err)
	}
	return true, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	base := "FROM enrollments e"
	var conditions []string
	var args []interface{}

	if filter.InstitutionID != "" {
		conditions = append(conditions, fmt.Sprintf("e.institution_id = $%d", len(args)+1))
		args = append(args, filter.InstitutionID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("e.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.PoloID != "" {
		conditions = append(conditions, fmt.Sprintf("e.polo_id = $%d", len(args)+1))
		args = append(args, filter.PoloID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(e.student_name ILIKE $%d OR e.student_email ILIKE $%d OR e.external_reference ILIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"updated_at":   "e.updated_at",
		"student_name": "e.student_name",
		"status":       "e.status",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d",
		prefixColumns("e"), base+clause, orderBy, order, size, offset)

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// UpdateStatusIf moves the enrollment from an expected status to a new one.
// The status predicate makes the write a compare-and-swap: a concurrent
// writer that already moved the row causes a false return instead of a lost
// update.
func (r *EnrollmentRepository) UpdateStatusIf(ctx context.Context, id string, from, to models.EnrollmentStatus, errorDetail *string, updatedBy *string) (bool, error) {
	const query = `UPDATE enrollments
        SET status = $3, error_detail = COALESCE($4, error_detail), updated_by = COALESCE($5, updated_by), updated_at = $6
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, errorDetail, updatedBy, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update enrollment status: %w", err)
	}
	return affected == 1, nil
}

// AttachChargeIf records the gateway charge and moves the enrollment to
// waiting_payment in a single conditional write.
func (r *EnrollmentRepository) AttachChargeIf(ctx context.Context, id string, from models.EnrollmentStatus, customerID, chargeID, linkURL string, amount float64, updatedBy *string) (bool, error) {
	const query = `UPDATE enrollments
        SET status = $3, gateway_customer_id = $4, gateway_charge_id = $5, payment_link_url = $6,
            amount = $7, error_detail = NULL, updated_by = COALESCE($8, updated_by), updated_at = $9
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, models.EnrollmentStatusWaitingPayment, customerID, chargeID, linkURL, amount, updatedBy, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("attach charge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach charge: %w", err)
	}
	return affected == 1, nil
}

// SetErrorDetail records a non-fatal gateway failure without touching status.
func (r *EnrollmentRepository) SetErrorDetail(ctx context.Context, id, detail string) error {
	const query = `UPDATE enrollments SET error_detail = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, detail, time.Now().UTC()); err != nil {
		return fmt.Errorf("set error detail: %w", err)
	}
	return nil
}

// ListStaleWaitingPayment returns waiting_payment enrollments whose last
// update is older than the cutoff, feeding the reconciliation sweep.
func (r *EnrollmentRepository) ListStaleWaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollments
        WHERE status = $1 AND updated_at < $2 AND gateway_charge_id IS NOT NULL
        ORDER BY updated_at ASC LIMIT %d`, enrollmentColumns, limit)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, models.EnrollmentStatusWaitingPayment, cutoff); err != nil {
		return nil, fmt.Errorf("list stale enrollments: %w", err)
	}
	return enrollments, nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(enrollmentColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
