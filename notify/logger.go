package notify

import "go.uber.org/zap"

// AttachLogger subscribes a zap logger to every event so operator
// alerts always land in the log even when no chat front-end is wired.
func AttachLogger(b *Bus, log *zap.Logger) {
	b.SubscribeAll(func(ev Event) {
		log.Info("event",
			zap.String("kind", string(ev.Kind)),
			zap.String("symbol", ev.Symbol),
			zap.String("message", ev.Message),
		)
	})
}
