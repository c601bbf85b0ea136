package directory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table. Contact fields feed notification
// delivery; a nil field means the channel is not available for the patient.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	Email     *string    `db:"email" json:"email,omitempty"`
	Phone     *string    `db:"phone" json:"phone,omitempty"`
	PushToken *string    `db:"push_token" json:"push_token,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName returns the patient's display name.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Doctor maps to the doctors table.
type Doctor struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Specialty string    `db:"specialty" json:"specialty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FullName returns the doctor's display name with the customary title.
func (d *Doctor) FullName() string {
	return "Dr. " + strings.TrimSpace(d.FirstName+" "+d.LastName)
}
