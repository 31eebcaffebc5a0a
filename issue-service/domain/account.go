package domain

import (
	"context"
	"net/mail"
	"strings"
	"time"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleMechanic Role = "mechanic"
)

// Caller is the authenticated identity attached to every core operation.
type Caller struct {
	ID   string
	Role Role
}

func (c Caller) IsUser() bool     { return c.Role == RoleUser && c.ID != "" }
func (c Caller) IsMechanic() bool { return c.Role == RoleMechanic && c.ID != "" }

// Account is a registered user or mechanic.
type Account struct {
	ID              string    `bson:"_id" json:"id"`
	Role            Role      `bson:"role" json:"role"`
	Email           string    `bson:"email" json:"email"`
	PasswordHash    string    `bson:"passwordHash" json:"-"`
	FullName        string    `bson:"fullName" json:"fullName"`
	PhoneNumber     string    `bson:"phoneNumber" json:"phoneNumber"`
	VehicleTypes    []string  `bson:"vehicleTypes,omitempty" json:"vehicleTypes,omitempty"`
	ServiceRadiusKm float64   `bson:"serviceRadiusKm,omitempty" json:"serviceRadiusKm,omitempty"`
	HourlyRate      float64   `bson:"hourlyRate,omitempty" json:"hourlyRate,omitempty"`
	CreatedAt       time.Time `bson:"createdAt" json:"createdAt"`
}

// Registration is the input of a sign-up request.
type Registration struct {
	Email           string   `json:"email"`
	Password        string   `json:"password"`
	FullName        string   `json:"fullName"`
	PhoneNumber     string   `json:"phoneNumber"`
	VehicleTypes    []string `json:"vehicleTypes"`
	ServiceRadiusKm float64  `json:"serviceRadius"`
	HourlyRate      float64  `json:"hourlyRate"`
}

// Validate checks the fields required for role.
func (r *Registration) Validate(role Role) error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return validationf("a valid email is required")
	}
	if len(r.Password) < 6 {
		return validationf("password must be at least 6 characters")
	}
	if strings.TrimSpace(r.FullName) == "" {
		return validationf("full name is required")
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return validationf("phone number is required")
	}
	if role == RoleMechanic {
		if len(r.VehicleTypes) == 0 {
			return validationf("at least one vehicle type is required")
		}
		if r.ServiceRadiusKm <= 0 {
			return validationf("service radius must be positive")
		}
		if r.HourlyRate <= 0 {
			return validationf("hourly rate must be positive")
		}
	}
	return nil
}

// AccountRepository stores accounts. Email is unique per role.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByEmail(ctx context.Context, role Role, email string) (*Account, error)
}

// ErrEmailTaken is returned when an email is already registered for a role.
var ErrEmailTaken = validationf("email is already registered")
