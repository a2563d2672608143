package device

import (
	"log"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
)

// minTrustedYear rejects an unset clock (epoch or firmware build date).
const minTrustedYear = 2016

// TimeSync raises TimeSynced once the network is up and the clock is plausible.
// The host OS keeps time, so there is no protocol exchange here.
type TimeSync struct {
	flags  *readiness.Flags
	logger *log.Logger
	now    func() time.Time
}

func NewTimeSync(flags *readiness.Flags, logger *log.Logger) *TimeSync {
	if logger == nil {
		logger = log.New(log.Writer(), "sntp: ", log.LstdFlags)
	}
	return &TimeSync{flags: flags, logger: logger, now: time.Now}
}

func (t *TimeSync) HandleNetworkEvent(ev messages.NetworkEvent) {
	if ev.Kind != messages.NetworkGotAddress || t.flags.IsSet(readiness.TimeSynced) {
		return
	}
	now := t.now()
	if now.Year() < minTrustedYear {
		t.logger.Printf("clock not set (%s), timestamps untrusted", now.Format(time.RFC3339))
		return
	}
	t.flags.Set(readiness.TimeSynced)
	t.logger.Printf("system time synchronized: %s", now.UTC().Format(time.RFC3339))
}
