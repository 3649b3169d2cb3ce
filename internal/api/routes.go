package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"warden/internal/controller"
	"warden/internal/devices"
	"warden/internal/repo"
	"warden/internal/subscription"
)

type Dependencies struct {
	Accounts      *repo.AccountStore
	Subscriptions *subscription.Service
	Devices       *devices.Manager
	Reconciler    *controller.Reconciler
	SharedSecret  string
}

// Attach регистрирует /api/v1 на роутере.
func Attach(r *mux.Router, d Dependencies) {
	h := &Handler{d: d}
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.Use(SharedSecretAuth(d.SharedSecret))

	const acc = "/accounts/{id:-?[0-9]+}"
	const dev = acc + "/devices/{peer:[0-9]+}"

	sub.HandleFunc("/accounts", h.Register).Methods(http.MethodPost)
	sub.HandleFunc(acc, h.GetAccount).Methods(http.MethodGet)
	sub.HandleFunc(acc+"/payments", h.ApplyPayment).Methods(http.MethodPost)
	sub.HandleFunc(acc+"/subscription", h.Grant).Methods(http.MethodPost)
	sub.HandleFunc(acc+"/subscription", h.Disable).Methods(http.MethodDelete)
	sub.HandleFunc(acc+"/quota", h.IncreaseQuota).Methods(http.MethodPost)

	sub.HandleFunc(acc+"/devices", h.ListDevices).Methods(http.MethodGet)
	sub.HandleFunc(acc+"/devices", h.CreateDevice).Methods(http.MethodPost)
	sub.HandleFunc(dev, h.DeleteDevice).Methods(http.MethodDelete)
	sub.HandleFunc(dev+"/config", h.DeviceConfig).Methods(http.MethodGet)
	sub.HandleFunc(dev+"/link", h.DeviceLink).Methods(http.MethodGet)
	sub.HandleFunc(dev+"/qr", h.DeviceQR).Methods(http.MethodGet)

	sub.HandleFunc("/admin/resync", h.Resync).Methods(http.MethodPost)
	sub.HandleFunc("/admin/sweep", h.Sweep).Methods(http.MethodPost)
	sub.HandleFunc("/admin/stats", h.Stats).Methods(http.MethodGet)
}
