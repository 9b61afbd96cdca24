package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/tuktuk-delivery/marketplace-system/internal/middleware"
	"github.com/tuktuk-delivery/marketplace-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/businesses", h.ListBusinesses)
			r.Get("/businesses/{businessID}/products", h.ListBusinessProducts)
			r.Get("/categories", h.ListCategories)

			r.Post("/orders", h.Checkout)
			r.Get("/orders", h.GetMyOrders)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)

			r.Route("/vendor", func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleVendor))

				r.Post("/business", h.CreateBusiness)
				r.Get("/business", h.GetOwnBusiness)

				r.Post("/products", h.CreateProduct)
				r.Get("/products", h.ListOwnProducts)
				r.Put("/products/{productID}", h.UpdateProduct)

				r.Get("/orders", h.GetVendorOrders)
				r.Post("/orders/{orderID}/status", h.UpdateOrderStatus)
			})

			r.Route("/driver", func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleDriver))

				r.Get("/orders/available", h.GetAvailableOrders)
				r.Get("/orders", h.GetDriverOrders)
				r.Post("/orders/{orderID}/claim", h.ClaimOrder)
				r.Post("/orders/{orderID}/pickup", h.StartDelivery)
				r.Post("/orders/{orderID}/complete", h.CompleteDelivery)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(model.RoleAdmin))

				r.Get("/businesses", h.ListAllBusinesses)
				r.Post("/businesses/{businessID}/approval", h.SetBusinessApproval)

				r.Get("/ledger", h.GetLedger)
				r.Post("/payouts", h.LogPayout)
				r.Get("/balances", h.GetVendorBalances)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
