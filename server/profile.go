package server

import (
	"context"

	"healthsense/cache"
	"healthsense/models"
)

// ProfileFetcher is the API behind a CachedProfile.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (*models.Profile, error)
	FetchTimezones(ctx context.Context) ([]string, error)
}

// CachedProfile serves the user profile and the timezone list through the
// profile and static caches.
type CachedProfile struct {
	profiles  cache.Store[*models.Profile]
	uid       string
	profile   func(context.Context, struct{}) (*models.Profile, error)
	timezones func(context.Context, struct{}) ([]string, error)
}

func NewCachedProfile(api ProfileFetcher, profiles cache.Store[*models.Profile], static cache.Store[[]string], uid string) *CachedProfile {
	return &CachedProfile{
		profiles: profiles,
		uid:      uid,
		profile: cache.Wrap(profiles,
			func(struct{}) string { return cache.ProfileKey(uid) },
			cache.ProfileTTL,
			func(ctx context.Context, _ struct{}) (*models.Profile, error) { return api.FetchProfile(ctx) }),
		timezones: cache.Wrap(static,
			func(struct{}) string { return cache.TimezonesKey },
			cache.StaticTTL,
			func(ctx context.Context, _ struct{}) ([]string, error) { return api.FetchTimezones(ctx) }),
	}
}

func (p *CachedProfile) Profile(ctx context.Context) (*models.Profile, error) {
	return p.profile(ctx, struct{}{})
}

func (p *CachedProfile) Timezones(ctx context.Context) ([]string, error) {
	return p.timezones(ctx, struct{}{})
}

// InvalidateProfile drops the cached profile.
func (p *CachedProfile) InvalidateProfile() {
	p.profiles.Delete(cache.ProfileKey(p.uid))
}
