package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"warden/internal/models"
	"warden/internal/subscription"
	"warden/internal/vpn/wireguard"
)

type Handler struct {
	d Dependencies
}

type registerRequest struct {
	ExternalID int64  `json:"external_id"`
	Username   string `json:"username"`
	ReferrerID *int64 `json:"referrer_id,omitempty"`
}

type paymentRequest struct {
	Payload string         `json:"payload"`
	Amount  int            `json:"amount"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type accountView struct {
	Account *models.Account `json:"account"`
	Active  bool            `json:"active"`
	Devices []models.Peer   `json:"devices"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return false
	}
	return true
}

func externalID(r *http.Request) int64 {
	// шаблон маршрута уже гарантирует число
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func peerID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["peer"], 10, 64)
	return uint(id)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ExternalID == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "external_id required", nil)
		return
	}
	acc, created, err := h.d.Subscriptions.Register(r.Context(), req.ExternalID, req.Username, req.ReferrerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	models.WriteJSON(w, status, acc)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.d.Accounts.GetAccount(r.Context(), externalID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	peers, err := h.d.Devices.List(r.Context(), acc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	models.WriteJSON(w, http.StatusOK, accountView{Account: acc, Active: acc.SubscribedAt(time.Now()), Devices: peers})
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.d.Subscriptions.ApplyPayment(r.Context(), externalID(r), req.Payload, req.Amount, req.Meta)
	writeExtend(w, r, res, err)
}

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := h.d.Subscriptions.Grant(r.Context(), externalID(r), req.Days)
	writeExtend(w, r, res, err)
}

// writeExtend: 202, если подписка продлена, а устройство выдать не удалось.
func writeExtend(w http.ResponseWriter, r *http.Request, res *subscription.ExtendResult, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.DevicePending {
		body := map[string]any{
			"account":          res.Account,
			"subscription_end": res.End,
			"device_pending":   true,
			"reason":           res.ProvisionErr.Error(),
		}
		models.WriteJSON(w, http.StatusAccepted, body)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Subscriptions.Disable(r.Context(), externalID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) IncreaseQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if !decode(w, r, &req) {
		return
	}
	q, err := h.d.Subscriptions.IncreaseQuota(r.Context(), externalID(r), req.Delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int{"device_quota": q})
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	acc, err := h.d.Accounts.GetAccount(r.Context(), externalID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	peers, err := h.d.Devices.List(r.Context(), acc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	models.WriteJSON(w, http.StatusOK, peers)
}

// subscribed загружает аккаунт; без активной подписки отвечает 402,
// даже если sweep ещё не снял устройства.
func (h *Handler) subscribed(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	acc, err := h.d.Accounts.GetAccount(r.Context(), externalID(r))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !acc.SubscribedAt(time.Now()) {
		writeError(w, r, errSubscriptionInactive)
		return nil, false
	}
	return acc, true
}

func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	// тело необязательно
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	acc, ok := h.subscribed(w, r)
	if !ok {
		return
	}
	p, err := h.d.Devices.Provision(r.Context(), acc.ID, req.Label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	acc, err := h.d.Accounts.GetAccount(r.Context(), externalID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.d.Devices.Delete(r.Context(), acc.ID, peerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeviceConfig(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.subscribed(w, r)
	if !ok {
		return
	}
	conf, err := h.d.Devices.Config(r.Context(), acc.ID, peerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteAttachment(w, fmt.Sprintf("warden-%d.conf", peerID(r)), conf)
}

func (h *Handler) DeviceLink(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.subscribed(w, r)
	if !ok {
		return
	}
	link, err := h.d.Devices.Link(r.Context(), acc.ID, peerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"link": link})
}

func (h *Handler) DeviceQR(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.subscribed(w, r)
	if !ok {
		return
	}
	png, err := h.d.Devices.QR(r.Context(), acc.ID, peerID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Reconciler.Restore(r.Context())
	if err != nil && !errors.Is(err, wireguard.ErrInterfaceUnavailable) {
		writeError(w, r, err)
		return
	}
	if err != nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Interface Unavailable", err.Error(), rep)
		return
	}
	models.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Reconciler.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.d.Subscriptions.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, st)
}
