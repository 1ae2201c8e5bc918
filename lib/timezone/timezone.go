package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Tokyo")
	if err != nil {
		panic(err)
	}
}

// force the clock into JST because the ranking source and the affiliate
// portal are both Japanese services; day-boundary logic (session expiry,
// retention sweeps) must not shift when a server lands in another region
func Now() time.Time {
	return time.Now().In(Location)
}
