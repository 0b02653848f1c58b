package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/onyxlabs/exchange/backend/internal/indexer"
	"github.com/onyxlabs/exchange/backend/internal/offer"
	"github.com/onyxlabs/exchange/backend/internal/pricing"
)

type offerView struct {
	indexer.OfferRecord
	CurrentPrice     string `json:"current_price,omitempty"`
	CurrentPriceText string `json:"current_price_text,omitempty"`
	APYPercent       string `json:"apy_percent,omitempty"`
}

type quoteResponse struct {
	Offer            string `json:"offer"`
	TokenInAmount    string `json:"token_in_amount"`
	Price            string `json:"price"`
	PriceText        string `json:"price_text"`
	Fee              string `json:"fee"`
	TokenInNet       string `json:"token_in_net"`
	TokenOutAmount   string `json:"token_out_amount"`
	APYPercent       string `json:"apy_percent,omitempty"`
	QuotedAt         int64  `json:"quoted_at"`
	TokenInDecimals  uint8  `json:"token_in_decimals"`
	TokenOutDecimals uint8  `json:"token_out_decimals"`
}

type cacheStateView struct {
	indexer.CacheStateRecord
	GrossYieldPercent   string `json:"gross_yield_percent"`
	CurrentYieldPercent string `json:"current_yield_percent"`
	SpreadPercent       string `json:"spread_percent"`
}

func (s *Service) handleOfferDetail(w http.ResponseWriter, r *http.Request, pubkey string) {
	record, err := s.store.GetOffer(r.Context(), pubkey)
	if errors.Is(err, indexer.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "offer not found")
		return
	}
	if err != nil {
		s.logger.Error("get offer failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}
	s.respondJSON(w, http.StatusOK, s.renderOffer(record, time.Now().Unix()))
}

func (s *Service) handleOfferQuote(w http.ResponseWriter, r *http.Request, pubkey string) {
	amount, err := parseRequiredUint64(r, "amount")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.store.GetOffer(r.Context(), pubkey)
	if errors.Is(err, indexer.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "offer not found")
		return
	}
	if err != nil {
		s.logger.Error("get offer failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}

	engine, err := offerEngine(record)
	if err != nil {
		s.logger.Error("decode offer vectors failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to decode offer")
		return
	}

	now := time.Now().Unix()
	quote, err := engine.Take(amount, record.TokenInDecimals, record.TokenOutDecimals, now)
	switch {
	case errors.Is(err, offer.ErrZeroAmount):
		s.respondError(w, http.StatusBadRequest, "amount must be > 0")
		return
	case errors.Is(err, pricing.ErrNoActiveVector):
		s.respondError(w, http.StatusConflict, "offer has no active pricing vector")
		return
	case err != nil:
		s.logger.Error("quote failed", "pubkey", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to quote offer")
		return
	}

	response := quoteResponse{
		Offer:            record.Pubkey,
		TokenInAmount:    strconv.FormatUint(amount, 10),
		Price:            strconv.FormatUint(quote.Price, 10),
		PriceText:        formatScaled(quote.Price, pricing.PriceDecimals),
		Fee:              strconv.FormatUint(quote.Fee, 10),
		TokenInNet:       strconv.FormatUint(quote.TokenInNet, 10),
		TokenOutAmount:   strconv.FormatUint(quote.TokenOutAmount, 10),
		QuotedAt:         now,
		TokenInDecimals:  record.TokenInDecimals,
		TokenOutDecimals: record.TokenOutDecimals,
	}
	if active, err := engine.Vectors.ActiveAt(now); err == nil {
		if apy, err := pricing.AnnualizedYield(active.GrowthRate, active.StepDuration); err == nil {
			response.APYPercent = formatYieldPercent(apy)
		}
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Service) handleCacheState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	record, err := s.store.GetCacheState(r.Context())
	if errors.Is(err, indexer.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "cache state not indexed yet")
		return
	}
	if err != nil {
		s.logger.Error("get cache state failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get cache state")
		return
	}

	s.respondJSON(w, http.StatusOK, renderCacheState(record))
}

func (s *Service) renderOffers(records []indexer.OfferRecord) []offerView {
	now := time.Now().Unix()
	out := make([]offerView, 0, len(records))
	for _, record := range records {
		out = append(out, s.renderOffer(record, now))
	}
	return out
}

func (s *Service) renderOffer(record indexer.OfferRecord, now int64) offerView {
	view := offerView{OfferRecord: record}

	engine, err := offerEngine(record)
	if err != nil {
		s.logger.Warn("offer has undecodable vectors", "pubkey", record.Pubkey, "err", err)
		return view
	}

	price, err := engine.Vectors.PriceAt(now)
	if err != nil {
		return view
	}
	view.CurrentPrice = strconv.FormatUint(price, 10)
	view.CurrentPriceText = formatScaled(price, pricing.PriceDecimals)

	if active, err := engine.Vectors.ActiveAt(now); err == nil {
		if apy, err := pricing.AnnualizedYield(active.GrowthRate, active.StepDuration); err == nil {
			view.APYPercent = formatYieldPercent(apy)
		}
	}
	return view
}

func renderCacheState(record indexer.CacheStateRecord) cacheStateView {
	view := cacheStateView{CacheStateRecord: record}

	gross, grossErr := strconv.ParseUint(record.GrossYield, 10, 64)
	current, currentErr := strconv.ParseUint(record.CurrentYield, 10, 64)
	if grossErr == nil {
		view.GrossYieldPercent = formatYieldPercent(gross)
	}
	if currentErr == nil {
		view.CurrentYieldPercent = formatYieldPercent(current)
	}
	if grossErr == nil && currentErr == nil && gross >= current {
		view.SpreadPercent = formatYieldPercent(gross - current)
	}
	return view
}

func offerEngine(record indexer.OfferRecord) (*offer.Offer, error) {
	if len(record.Vectors) > pricing.VectorSetCapacity {
		return nil, fmt.Errorf("offer %s has %d vectors", record.Pubkey, len(record.Vectors))
	}

	out := &offer.Offer{
		FeeBps:              record.FeeBps,
		NeedsApproval:       record.NeedsApproval,
		AllowPermissionless: record.AllowPermissionless,
	}
	for i, v := range record.Vectors {
		basePrice, err := strconv.ParseUint(v.BasePrice, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("base price of vector %d: %w", i, err)
		}
		growthRate, err := strconv.ParseUint(v.GrowthRate, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("growth rate of vector %d: %w", i, err)
		}
		out.Vectors[i] = pricing.Vector{
			StartTime:    v.StartTime,
			BaseTime:     v.BaseTime,
			BasePrice:    basePrice,
			GrowthRate:   growthRate,
			StepDuration: v.StepDuration,
		}
	}
	return out, nil
}

// formatScaled renders a fixed-point value as a plain decimal string.
func formatScaled(value uint64, decimals uint8) string {
	return decimal.NewFromUint64(value).Shift(-int32(decimals)).String()
}

// formatYieldPercent renders a yield fraction as a percentage with
// four fractional digits, e.g. 1_000_000 -> "100".
func formatYieldPercent(value uint64) string {
	return decimal.NewFromUint64(value).Shift(-4).String()
}

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Each connection streams events from the moment it attached.
	eventCursor, err := s.store.LatestEventID(ctx)
	if err != nil {
		s.logger.Error("failed to read event cursor", "err", err)
		return
	}

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	ticker := time.NewTicker(s.cfg.EventsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			channels := subs.List()
			for _, channel := range channels {
				payload, err := s.getWebsocketPayload(ctx, channel, &eventCursor)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func (s *Service) getWebsocketPayload(ctx context.Context, channel string, eventCursor *int64) (any, error) {
	switch {
	case channel == "events":
		events, err := s.store.ListEvents(ctx, indexer.EventFilter{AfterID: *eventCursor, Limit: 100})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, nil
		}
		*eventCursor = events[len(events)-1].ID
		return events, nil
	case channel == "cache":
		record, err := s.store.GetCacheState(ctx)
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return renderCacheState(record), nil
	case strings.HasPrefix(channel, "offer.price."):
		pubkey := strings.TrimSpace(strings.TrimPrefix(channel, "offer.price."))
		record, err := s.store.GetOffer(ctx, pubkey)
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s.renderOffer(record, time.Now().Unix()), nil
	default:
		return nil, nil
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
