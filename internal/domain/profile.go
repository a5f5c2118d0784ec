/**
 * @description
 * Emergency profile models. A profile starts as a pending record when the
 * rider submits the form and becomes ACTIVE only after the finalization job
 * has generated its QR code. The same record carries the medical and contact
 * data shown on the public memorial page.
 */

package domain

import (
	"strings"
	"time"
	"unicode"
)

// ProfileStatus is the lifecycle state of a profile.
type ProfileStatus string

const (
	ProfilePending          ProfileStatus = "PENDING"
	ProfilePaymentPending   ProfileStatus = "PAYMENT_PENDING"
	ProfilePaymentApproved  ProfileStatus = "PAYMENT_APPROVED"
	ProfileActive           ProfileStatus = "ACTIVE"
	ProfileInactive         ProfileStatus = "INACTIVE"
	ProfileProcessingFailed ProfileStatus = "PROCESSING_FAILED"
)

var profileTransitions = map[ProfileStatus][]ProfileStatus{
	ProfilePending:          {ProfilePaymentPending, ProfilePaymentApproved, ProfileProcessingFailed},
	ProfilePaymentPending:   {ProfilePaymentApproved, ProfileProcessingFailed},
	ProfilePaymentApproved:  {ProfileActive, ProfileProcessingFailed},
	ProfileProcessingFailed: {ProfilePaymentApproved},
	ProfileActive:           {ProfileInactive},
	ProfileInactive:         {ProfileActive},
}

// CanTransitionProfile reports whether from -> to is allowed.
func CanTransitionProfile(from, to ProfileStatus) bool {
	for _, next := range profileTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MinimumOwnerAge is the youngest a profile owner may be.
const MinimumOwnerAge = 18

// MaxEmergencyContacts caps the contact list.
const MaxEmergencyContacts = 3

// BirthDateLayout is the accepted birth date format.
const BirthDateLayout = "2006-01-02"

// PersonalData identifies the rider.
type PersonalData struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	BirthDate string `json:"birth_date"`
	CPF       string `json:"cpf,omitempty"`
}

// MedicalData is what first responders need to see.
type MedicalData struct {
	BloodType    string   `json:"blood_type"`
	Allergies    []string `json:"allergies"`
	Medications  []string `json:"medications"`
	Conditions   []string `json:"conditions"`
	HealthPlan   string   `json:"health_plan,omitempty"`
	Observations string   `json:"observations,omitempty"`
}

// EmergencyContact is someone to call.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
	IsPrimary    bool   `json:"is_primary"`
}

// VehicleData describes the motorcycle; required on the premium plan.
type VehicleData struct {
	Brand string `json:"brand"`
	Model string `json:"model"`
	Year  int    `json:"year"`
	Plate string `json:"plate"`
	Color string `json:"color,omitempty"`
}

// ProfileData is the form snapshot carried from checkout to finalization.
type ProfileData struct {
	PersonalData      PersonalData       `json:"personal_data"`
	MedicalData       MedicalData        `json:"medical_data"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts"`
	VehicleData       *VehicleData       `json:"vehicle_data,omitempty"`
	PlanType          PlanType           `json:"plan_type"`
}

// Profile is the stored emergency profile. ID equals UniqueURL and the
// payment external reference.
type Profile struct {
	ProfileData
	ID            string        `json:"id"`
	UniqueURL     string        `json:"unique_url"`
	Status        ProfileStatus `json:"status"`
	PaymentStatus string        `json:"payment_status,omitempty"`
	PaymentID     *string       `json:"payment_id,omitempty"`
	QRCodeURL     string        `json:"qr_code_url,omitempty"`
	MemorialURL   string        `json:"memorial_url,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ActivatedAt   *time.Time    `json:"activated_at,omitempty"`
}

// IsActive reports whether the profile has been finalized and is visible.
func (p *Profile) IsActive() bool { return p != nil && p.Status == ProfileActive }

var validBloodTypes = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

// Validate checks every profile invariant and reports all problems at once.
func (d ProfileData) Validate(now time.Time) error {
	problems := &ValidationError{}

	if strings.TrimSpace(d.PersonalData.Name) == "" {
		problems.add("personal_data.name", "is required")
	}
	if !validEmail(d.PersonalData.Email) {
		problems.add("personal_data.email", "must be a valid email address")
	}
	ownerPhone := NormalizePhone(d.PersonalData.Phone)
	if len(ownerPhone) < 10 {
		problems.add("personal_data.phone", "must have at least 10 digits")
	}
	if birth, err := time.Parse(BirthDateLayout, strings.TrimSpace(d.PersonalData.BirthDate)); err != nil {
		problems.add("personal_data.birth_date", "must be formatted YYYY-MM-DD")
	} else if AgeAt(birth, now) < MinimumOwnerAge {
		problems.add("personal_data.birth_date", "owner must be at least 18 years old")
	}

	if bt := strings.ToUpper(strings.TrimSpace(d.MedicalData.BloodType)); bt != "" && !validBloodTypes[bt] {
		problems.add("medical_data.blood_type", "is not a valid blood type")
	}

	validateContacts(problems, d.EmergencyContacts, ownerPhone)

	if !d.PlanType.Valid() {
		problems.add("plan_type", "must be basic or premium")
	}
	if d.PlanType == PlanPremium {
		if d.VehicleData == nil {
			problems.add("vehicle_data", "is required on the premium plan")
		} else {
			if strings.TrimSpace(d.VehicleData.Brand) == "" || strings.TrimSpace(d.VehicleData.Model) == "" {
				problems.add("vehicle_data", "brand and model are required")
			}
			if strings.TrimSpace(d.VehicleData.Plate) == "" {
				problems.add("vehicle_data.plate", "is required")
			}
			if d.VehicleData.Year < 1900 || d.VehicleData.Year > now.Year()+1 {
				problems.add("vehicle_data.year", "is out of range")
			}
		}
	}

	return problems.errOrNil()
}

func validateContacts(problems *ValidationError, contacts []EmergencyContact, ownerPhone string) {
	if len(contacts) == 0 {
		problems.add("emergency_contacts", "at least one contact is required")
		return
	}
	if len(contacts) > MaxEmergencyContacts {
		problems.add("emergency_contacts", "at most 3 contacts are allowed")
	}

	primaries := 0
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		if c.IsPrimary {
			primaries++
		}
		if strings.TrimSpace(c.Name) == "" {
			problems.add("emergency_contacts.name", "is required")
		}
		phone := NormalizePhone(c.Phone)
		if len(phone) < 10 {
			problems.add("emergency_contacts.phone", "must have at least 10 digits")
			continue
		}
		if phone == ownerPhone {
			problems.add("emergency_contacts.phone", "must differ from the owner phone")
		}
		if seen[phone] {
			problems.add("emergency_contacts.phone", "must not repeat")
		}
		seen[phone] = true
	}
	if primaries != 1 {
		problems.add("emergency_contacts", "exactly one contact must be primary")
	}
}

// NormalizePhone keeps digits only.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AgeAt returns completed years between birth and now.
func AgeAt(birth, now time.Time) int {
	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	return years
}

// PrimaryContact returns the contact flagged primary, if any.
func (d ProfileData) PrimaryContact() (EmergencyContact, bool) {
	for _, c := range d.EmergencyContacts {
		if c.IsPrimary {
			return c, true
		}
	}
	return EmergencyContact{}, false
}
