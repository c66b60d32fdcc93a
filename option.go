package reqpay

import (
	"github.com/vitwit/reqpay/logger"
	"github.com/vitwit/reqpay/metrics"
	"github.com/vitwit/reqpay/types"
)

type Option func(*ReqPay)

func WithLogger(l logger.Logger) Option {
	return func(r *ReqPay) {
		r.log = l
	}
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(r *ReqPay) {
		r.rec = rec
	}
}

func WithFundsPolicy(p types.FundsPolicy) Option {
	return func(r *ReqPay) {
		r.config.FundsPolicy = p
	}
}

func WithConfirmations(n uint64) Option {
	return func(r *ReqPay) {
		r.config.Confirmations = n
	}
}
