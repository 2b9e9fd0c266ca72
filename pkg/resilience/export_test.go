package resilience

import "github.com/cenkalti/backoff/v4"

type backoffTimer = backoff.Timer
