package models

// Course is the slice of the course catalog this subsystem consumes: a name
// for charge descriptions and a price for amount resolution. Catalog CRUD
// lives elsewhere.
type Course struct {
	ID    string  `db:"id" json:"id"`
	Name  string  `db:"name" json:"name"`
	Price float64 `db:"price" json:"price"`
}
