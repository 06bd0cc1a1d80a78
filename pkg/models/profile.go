package models

// BodyType of a Ready Player Me avatar.
type BodyType int

const (
	BodyFullBody BodyType = iota
	BodyHalfBody
)

// OutfitGender of a Ready Player Me avatar.
type OutfitGender int

const (
	OutfitNeutral OutfitGender = iota
	OutfitMasculine
	OutfitFeminine
)

func (g OutfitGender) String() string {
	switch g {
	case OutfitMasculine:
		return "Masculine"
	case OutfitFeminine:
		return "Feminine"
	default:
		return "Neutral"
	}
}

// Profile is the locally cached avatar identity of the subject.
type Profile struct {
	UserID             string       `json:"user_id"`
	UserEmail          string       `json:"user_email"`
	UserName           string       `json:"user_name"`
	UserToken          string       `json:"user_token"`
	AvatarID           string       `json:"avatar_id"`
	AvatarPartner      string       `json:"avatar_partner"`
	AvatarIsDraft      bool         `json:"avatar_is_draft"`
	AvatarBodyType     BodyType     `json:"avatar_body_type"`
	AvatarOutfitGender OutfitGender `json:"avatar_outfit_gender"`
}
