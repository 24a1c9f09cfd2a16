package repository

import "gorm.io/gorm"

// AutoMigrate creates the dispatch tables from the entities. Production
// schemas come from the goose migrations; this serves sqlite-backed tests and
// the sandbox.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CaseEntity{}, &ProposalEntity{}, &ProposalTokenEntity{})
}
