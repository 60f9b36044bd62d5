package domain

import (
	"encoding/json"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// Cup is the competition category a participant is entered in
type Cup string

// Cup values match the competition's published category names
const (
	CupKids         Cup = "kids"
	CupBeginner     Cup = "principiante"
	CupIntermediate Cup = "intermedio"
	CupAdvanced     Cup = "avanzado"
)

// Cups lists every competition category in display order
var Cups = []Cup{CupKids, CupBeginner, CupIntermediate, CupAdvanced}

var cupAliases = map[string]Cup{
	"beginner":     CupBeginner,
	"intermediate": CupIntermediate,
	"advanced":     CupAdvanced,
}

// ParseCup returns the cup named by s, accepting English aliases and any
// letter case. Unknown names are returned unchanged so Valid can reject them.
func ParseCup(s string) Cup {
	name := strings.ToLower(strings.TrimSpace(s))
	if cup, ok := cupAliases[name]; ok {
		return cup
	}
	if Cup(name).Valid() {
		return Cup(name)
	}
	return Cup(s)
}

// UnmarshalJSON decodes a cup through ParseCup
func (c *Cup) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseCup(s)
	return nil
}

// Valid reports whether c is a known cup
func (c Cup) Valid() bool {
	for _, cup := range Cups {
		if c == cup {
			return true
		}
	}
	return false
}

// Gender codes
const (
	GenderMale           = "M"
	GenderFemale         = "F"
	GenderOther          = "O"
	GenderPreferNotToSay = "N"
)

const maxAge = 150

// DateLayout is the wire and storage format of dates of birth
const DateLayout = "2006-01-02"

// Participant is a competitor account. Score and DistanceClimbed are ledger
// aggregates and are never taken from caller input.
type Participant struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	Username        string    `json:"username"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	Age             *int      `json:"age"`
	DateOfBirth     *string   `json:"date_of_birth"`
	Gender          string    `json:"gender"`
	Phone           string    `json:"phone"`
	Cup             Cup       `json:"cup"`
	Score           int       `json:"score"`
	DistanceClimbed int       `json:"distance_climbed"`
	IsActive        bool      `json:"is_active"`
	IsStaff         bool      `json:"is_staff"`
	IsSuperuser     bool      `json:"is_superuser"`
	RegisteredAt    time.Time `json:"registered_at"`
	PasswordHash    string    `json:"-"`
}

// Privileged reports whether the participant has staff rights
func (p *Participant) Privileged() bool {
	return p.IsStaff || p.IsSuperuser
}

// Competes reports whether the participant appears in standings
func (p *Participant) Competes() bool {
	return p.IsActive && !p.Privileged()
}

// ParticipantFilter narrows participant listings
type ParticipantFilter struct {
	ID      *int64
	Cup     Cup
	IsStaff *bool
}

// ParticipantInput carries the writable profile and permission fields.
// Nil pointers leave the stored value untouched on update.
type ParticipantInput struct {
	Email       *string `json:"email"`
	Username    *string `json:"username"`
	Password    *string `json:"password"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Age         *int    `json:"age"`
	DateOfBirth *string `json:"date_of_birth"`
	Gender      *string `json:"gender"`
	Phone       *string `json:"phone"`
	Cup         *Cup    `json:"cup"`
	IsActive    *bool   `json:"is_active"`
	IsStaff     *bool   `json:"is_staff"`
	IsSuperuser *bool   `json:"is_superuser"`
}

// StripPermissions drops the fields only staff may write
func (in *ParticipantInput) StripPermissions() {
	in.IsActive = nil
	in.IsStaff = nil
	in.IsSuperuser = nil
}

// Apply copies the set profile fields onto p after validating them. The
// password is handled by the caller.
func (in *ParticipantInput) Apply(p *Participant) error {
	if in.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*in.Email))
		if _, err := mail.ParseAddress(email); err != nil || utf8.RuneCountInString(email) > 100 {
			return Invalid("email is not valid")
		}
		p.Email = email
	}
	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		if username == "" || utf8.RuneCountInString(username) > 25 {
			return Invalid("username must be between 1 and 25 characters")
		}
		p.Username = username
	}
	if in.FirstName != nil {
		name := strings.TrimSpace(*in.FirstName)
		if err := checkLengths(field{"first_name", name, 150}); err != nil {
			return err
		}
		p.FirstName = name
	}
	if in.LastName != nil {
		name := strings.TrimSpace(*in.LastName)
		if err := checkLengths(field{"last_name", name, 150}); err != nil {
			return err
		}
		p.LastName = name
	}
	if in.Age != nil {
		if *in.Age < 0 || *in.Age > maxAge {
			return Invalid("age must be between 0 and %d", maxAge)
		}
		age := *in.Age
		p.Age = &age
	}
	if in.DateOfBirth != nil {
		if *in.DateOfBirth == "" {
			p.DateOfBirth = nil
		} else {
			if _, err := time.Parse(DateLayout, *in.DateOfBirth); err != nil {
				return Invalid("date_of_birth must use YYYY-MM-DD")
			}
			dob := *in.DateOfBirth
			p.DateOfBirth = &dob
		}
	}
	if in.Gender != nil {
		switch *in.Gender {
		case "", GenderMale, GenderFemale, GenderOther, GenderPreferNotToSay:
			p.Gender = *in.Gender
		default:
			return Invalid("gender is not valid")
		}
	}
	if in.Phone != nil {
		phone := strings.TrimSpace(*in.Phone)
		if err := checkLengths(field{"phone", phone, 15}); err != nil {
			return err
		}
		p.Phone = phone
	}
	if in.Cup != nil {
		if !in.Cup.Valid() {
			return Invalid("cup is not valid")
		}
		p.Cup = *in.Cup
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if in.IsStaff != nil {
		p.IsStaff = *in.IsStaff
	}
	if in.IsSuperuser != nil {
		p.IsSuperuser = *in.IsSuperuser
	}
	return nil
}

// AggregateTotals compares stored aggregates with the values derived from
// the participant's block scores
type AggregateTotals struct {
	ParticipantID    int64 `json:"participant_id"`
	StoredScore      int   `json:"stored_score"`
	StoredDistance   int   `json:"stored_distance"`
	ComputedScore    int   `json:"computed_score"`
	ComputedDistance int   `json:"computed_distance"`
}

// Drifted reports whether stored and computed aggregates disagree
func (t AggregateTotals) Drifted() bool {
	return t.StoredScore != t.ComputedScore || t.StoredDistance != t.ComputedDistance
}
