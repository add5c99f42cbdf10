package entity

import "strings"

type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformTikTok    Platform = "tiktok"
	PlatformLine      Platform = "line"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformShopee    Platform = "shopee"
	PlatformLazada    Platform = "lazada"
	PlatformOther     Platform = "other"
)

func ParsePlatform(s string) Platform {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformFacebook, PlatformTikTok, PlatformLine, PlatformInstagram,
		PlatformYouTube, PlatformShopee, PlatformLazada:
		return p
	default:
		return PlatformOther
	}
}
