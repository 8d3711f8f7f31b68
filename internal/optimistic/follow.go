package optimistic

// Follow is the relationship between the viewer and a creator or venue,
// plus its follower count.
type Follow struct {
	Following bool `json:"following"`
	Followers int  `json:"followers"`
}

// ClampCount adds delta to n and never returns a negative count.
// Display-layer sanity only; the backend owns the real count.
func ClampCount(n, delta int) int {
	n += delta
	if n < 0 {
		return 0
	}
	return n
}

// SetFollowing returns an Apply func that moves the relationship to want.
// Already being in the wanted state is a no-op, so a repeated tap cannot
// double-count.
func SetFollowing(want bool) func(Follow) Follow {
	return func(f Follow) Follow {
		if f.Following == want {
			return f
		}
		delta := 1
		if !want {
			delta = -1
		}
		return Follow{Following: want, Followers: ClampCount(f.Followers, delta)}
	}
}

// ToggleFollow flips the relationship.
func ToggleFollow(f Follow) Follow {
	return SetFollowing(!f.Following)(f)
}
