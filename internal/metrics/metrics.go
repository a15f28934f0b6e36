package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastion_login_success_total",
		Help: "The total number of successful logins",
	})

	LoginRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_login_rejected_total",
		Help: "The total number of rejected logins by rejection code",
	}, []string{"code"})

	LockoutHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_lockout_hits_total",
		Help: "The total number of attempts refused while a key was locked (username or address)",
	}, []string{"key"})
)
