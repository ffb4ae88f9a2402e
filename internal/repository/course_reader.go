package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/matricula-api/internal/models"
)

// CourseReadRepository resolves course pricing for enrollments.
type CourseReadRepository struct {
	db *sqlx.DB
}

// NewCourseReadRepository constructs CourseReadRepository.
func NewCourseReadRepository(db *sqlx.DB) *CourseReadRepository {
	return &CourseReadRepository{db: db}
}

// FindByID fetches a course by id.
func (r *CourseReadRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	if err := r.db.GetContext(ctx, &course, `SELECT id, name, price FROM courses WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &course, nil
}
