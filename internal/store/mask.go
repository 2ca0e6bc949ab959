package store

import "github.com/yap-chat/yap/internal/message"

// MaskLevel is how much of a UserRecord is withheld from the asker.
type MaskLevel int

const (
	// SelfUse shows everything, including the password hash.
	SelfUse MaskLevel = iota
	// HidePass hides the password hash.
	HidePass
	// HidePassEmail hides the password hash and the email.
	HidePassEmail
	// HidePassEmailMembership also hides friend and group lists.
	HidePassEmailMembership
)

// MaskLevelFor picks the mask for an asker. Anonymous askers are neither the
// owner nor a friend.
func MaskLevelFor(owner, friend bool, visibility Visibility) MaskLevel {
	switch {
	case owner:
		return SelfUse
	case friend:
		return HidePass
	case visibility == Private:
		return HidePassEmailMembership
	default:
		return HidePassEmail
	}
}

// Mask converts the record to its public form at the given level.
func (u UserRecord) Mask(level MaskLevel) PublicProfile {
	p := PublicProfile{
		ID:     u.ID,
		Pubkey: u.Pubkey,
		Alias:  u.Alias,
		MOTD:   u.MOTD,
	}
	if level == SelfUse {
		hash := u.PasswordHash
		p.PasswordHash = &hash
		p.Online = u.Status != Offline
	} else {
		p.Online = u.Status == Online
	}
	if level == SelfUse || level == HidePass {
		email := u.Email
		p.Email = &email
	}
	if level != HidePassEmailMembership {
		p.Friends = append(make([]message.UserID, 0, len(u.Friends)), u.Friends...)
		p.Groups = append(make([]message.GroupID, 0, len(u.Groups)), u.Groups...)
	}
	return p
}

// maskFor applies the relationship rules for target viewed by asker.
func maskFor(rec UserRecord, asker *message.UserID, friends bool) PublicProfile {
	owner := asker != nil && *asker == rec.ID
	return rec.Mask(MaskLevelFor(owner, friends && !owner, rec.Visibility))
}
