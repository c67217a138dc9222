package models

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser       = "user"
	RoleHost       = "host"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

type User struct {
	gorm.Model
	FirstName       string         `json:"firstName"`
	LastName        string         `json:"lastName"`
	Email           string         `json:"email" gorm:"uniqueIndex;size:256"`
	PhoneNumber     string         `json:"phoneNumber" gorm:"size:32"`
	Password        string         `json:"-"`
	SocialLogin     bool           `json:"socialLogin"`
	SocialProvider  string         `json:"socialProvider" gorm:"size:32"`
	SocialID        string         `json:"-" gorm:"size:255;index"`
	AvatarURL       string         `json:"avatarURL"`
	SavedProperties datatypes.JSON `json:"savedProperties"`
	AllowsEmail     *bool          `json:"allowsEmail"`
	AllowsSMS       *bool          `json:"allowsSMS"`
	Role            string         `json:"role" gorm:"type:varchar(20);default:user;index"` // user, host, admin, super_admin
	Properties      []Property     `json:"properties,omitempty" gorm:"foreignKey:HostID;references:ID"`
}

// EmailEnabled reports whether email notifications may be sent. Unset means yes.
func (u *User) EmailEnabled() bool {
	return u.Email != "" && (u.AllowsEmail == nil || *u.AllowsEmail)
}

// SMSEnabled reports whether SMS notifications may be sent. Unset means no.
func (u *User) SMSEnabled() bool {
	return u.PhoneNumber != "" && u.AllowsSMS != nil && *u.AllowsSMS
}

func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}

// SavedPropertyIDs decodes the saved-properties column, treating bad data as empty.
func (u *User) SavedPropertyIDs() []uint {
	ids := []uint{}
	if len(u.SavedProperties) == 0 {
		return ids
	}
	if err := json.Unmarshal(u.SavedProperties, &ids); err != nil {
		return []uint{}
	}
	return ids
}

func (u *User) MarshalJSON() ([]byte, error) {
	type Alias User
	aux := &struct {
		SavedProperties []uint `json:"savedProperties"`
		*Alias
	}{
		SavedProperties: u.SavedPropertyIDs(),
		Alias:           (*Alias)(u),
	}
	return json.Marshal(aux)
}

// UserSummary is the public view of a user attached to listings and conversations.
type UserSummary struct {
	ID        uint   `json:"ID"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	AvatarURL string `json:"avatarURL"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, AvatarURL: u.AvatarURL}
}
