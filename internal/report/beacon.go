package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"
)

// BeaconHandler ingests batches that readers released to the beacon topic on
// unload. Undecodable bodies are finished; store failures are requeued by nsq.
type BeaconHandler struct {
	srv     *Server
	timeout time.Duration
}

func (s *Server) BeaconHandler() *BeaconHandler {
	return &BeaconHandler{srv: s, timeout: 10 * time.Second}
}

func (h *BeaconHandler) HandleMessage(m *nsq.Message) error {
	var req rawReport
	if err := json.Unmarshal(m.Body, &req); err != nil {
		h.srv.log.Plain().WithError(err).Warn("dropping malformed beacon batch")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	events, rejected := decodeEvents(req.Events)
	res, err := h.srv.Ingest(ctx, events, rejected)
	if err != nil {
		h.srv.log.WithContext(ctx).WithError(err).
			WithField("attempts", m.Attempts).Warn("beacon batch ingest failed")
		return err
	}
	h.srv.log.WithContext(ctx).WithFields(map[string]any{
		"accepted": res.Accepted,
		"deduped":  res.Deduped,
		"rejected": res.Rejected,
	}).Debug("beacon batch ingested")
	return nil
}
