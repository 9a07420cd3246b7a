package models

// Profile is the user profile served by GET /api/profile.
type Profile struct {
	YearOfBirth int     `json:"year_of_birth"`
	Sex         string  `json:"sex"`
	Height      float64 `json:"height"`
	Weight      float64 `json:"weight"`
	Timezone    string  `json:"timezone"`
	Age         int     `json:"age,omitempty"`
}

// BMI returns weight / height(m)^2, or zero when height is unknown.
func (p Profile) BMI() float64 {
	if p.Height <= 0 {
		return 0
	}
	m := p.Height / 100
	return p.Weight / (m * m)
}
