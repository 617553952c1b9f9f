package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerbits/tradehub/logger"
	"github.com/peerbits/tradehub/orders"
	"github.com/peerbits/tradehub/pkg/version"
	"github.com/peerbits/tradehub/robots"
	"github.com/peerbits/tradehub/service"
)

type HttpService struct {
	svc service.Service
}

func NewHttpService(svc service.Service) *HttpService {
	return &HttpService{svc: svc}
}

func (httpSvc *HttpService) RegisterSharedRoutes(e *echo.Echo) {
	e.HideBanner = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogHost:      true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, values middleware.RequestLoggerValues) error {
			logger.HttpLogger.Info().
				Str("uri", values.URI).
				Int("status", values.Status).
				Str("remote_ip", values.RemoteIP).
				Str("user_agent", values.UserAgent).
				Str("host", values.Host).
				Str("request_id", values.RequestID).
				Msg("handled API request")
			return nil
		},
	}))

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/api/info", httpSvc.infoHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/api/robots", httpSvc.registerRobotHandler)
	e.GET("/api/robots/:id", httpSvc.getRobotHandler)
	e.PUT("/api/robots/:id/webhook", httpSvc.configureWebhookHandler)

	e.POST("/api/orders", httpSvc.createOrderHandler)
	e.GET("/api/orders/:id", httpSvc.getOrderHandler)
	e.GET("/api/orders/reference/:reference", httpSvc.getOrderByReferenceHandler)
	e.POST("/api/orders/:id/take", httpSvc.takeOrderHandler)
	e.POST("/api/orders/:id/fund-escrow", httpSvc.fundEscrowHandler)
	e.POST("/api/orders/:id/payout-details", httpSvc.submitPayoutHandler)
	e.POST("/api/orders/:id/fiat-sent", httpSvc.markFiatSentHandler)
	e.POST("/api/orders/:id/revert-fiat-sent", httpSvc.revertFiatSentHandler)
	e.POST("/api/orders/:id/confirm-fiat", httpSvc.confirmFiatReceivedHandler)
	e.POST("/api/orders/:id/dispute", httpSvc.disputeOrderHandler)
	e.POST("/api/orders/:id/cancel", httpSvc.cancelOrderHandler)
	e.POST("/api/orders/:id/extend", httpSvc.extendOrderHandler)

	e.GET("/api/orders/:id/swap", httpSvc.getSwapHandler)
	e.POST("/api/orders/:id/swap/quote", httpSvc.quoteSwapHandler)
	e.POST("/api/orders/:id/swap/broadcast", httpSvc.broadcastSwapHandler)

	e.GET("/api/orders/:id/payments/:direction", httpSvc.lookupPaymentHandler)
}

func (httpSvc *HttpService) infoHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, InfoResponse{
		Version:    version.Tag,
		NodePubkey: httpSvc.svc.GetLNClient().GetPubkey(),
	})
}

func (httpSvc *HttpService) registerRobotHandler(c echo.Context) error {
	var registerRequest robots.RegisterRobotRequest
	if err := c.Bind(&registerRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	robot, err := httpSvc.svc.GetRobotsService().Register(&registerRequest)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, robot)
}

func (httpSvc *HttpService) getRobotHandler(c echo.Context) error {
	robotId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	robot, err := httpSvc.svc.GetRobotsService().GetRobot(robotId)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, robot)
}

func (httpSvc *HttpService) configureWebhookHandler(c echo.Context) error {
	robotId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var configureRequest robots.ConfigureWebhookRequest
	if err := c.Bind(&configureRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	robot, err := httpSvc.svc.GetRobotsService().ConfigureWebhook(robotId, &configureRequest)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, robot)
}

type createOrderApiRequest struct {
	MakerId uint `json:"makerId"`
	orders.CreateOrderRequest
}

func (httpSvc *HttpService) createOrderHandler(c echo.Context) error {
	var createRequest createOrderApiRequest
	if err := c.Bind(&createRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	order, err := httpSvc.svc.GetOrdersService().Create(createRequest.MakerId, &createRequest.CreateOrderRequest)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (httpSvc *HttpService) getOrderHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().GetOrder(orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) getOrderByReferenceHandler(c echo.Context) error {
	order, err := httpSvc.svc.GetOrdersService().GetOrderByReference(c.Param("reference"))
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) takeOrderHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var takeRequest TakeOrderRequest
	if err := c.Bind(&takeRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	order, err := httpSvc.svc.GetOrdersService().Take(orderId, takeRequest.TakerId, takeRequest.Bondless)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) fundEscrowHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().FundEscrow(c.Request().Context(), orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) submitPayoutHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var payoutRequest orders.SubmitPayoutRequest
	if err := c.Bind(&payoutRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	order, err := httpSvc.svc.GetOrdersService().SubmitPayout(orderId, &payoutRequest)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) markFiatSentHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().MarkFiatSent(orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) revertFiatSentHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().RevertFiatSent(orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) confirmFiatReceivedHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().ConfirmFiatReceived(c.Request().Context(), orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) disputeOrderHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var disputeRequest DisputeOrderRequest
	if err := c.Bind(&disputeRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	order, err := httpSvc.svc.GetOrdersService().Dispute(orderId, disputeRequest.Reason)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) cancelOrderHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	order, err := httpSvc.svc.GetOrdersService().Cancel(orderId)
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) extendOrderHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var extendRequest ExtendOrderRequest
	if err := c.Bind(&extendRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	order, err := httpSvc.svc.GetOrdersService().ExtendFinalization(orderId, secondsToDuration(extendRequest.ExtensionSeconds))
	if err != nil {
		return httpSvc.orderErrorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (httpSvc *HttpService) getSwapHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	swap, err := httpSvc.svc.GetSwapsService().GetSwap(orderId)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, swap)
}

func (httpSvc *HttpService) quoteSwapHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	quote, err := httpSvc.svc.GetSwapsService().Quote(c.Request().Context(), orderId)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, quote)
}

func (httpSvc *HttpService) broadcastSwapHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	var broadcastRequest BroadcastSwapRequest
	if err := c.Bind(&broadcastRequest); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: fmt.Sprintf("Bad request: %s", err.Error()),
		})
	}

	swap, err := httpSvc.svc.GetSwapsService().Broadcast(c.Request().Context(), orderId, broadcastRequest.MiningFeeRate)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, swap)
}

func (httpSvc *HttpService) lookupPaymentHandler(c echo.Context) error {
	orderId, err := parseId(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	}

	payment, err := httpSvc.svc.GetPaymentsService().LookupPayment(orderId, c.Param("direction"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, payment)
}

func (httpSvc *HttpService) orderErrorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case orders.IsNotFound(err):
		status = http.StatusNotFound
	case orders.IsInvalidParameter(err):
		status = http.StatusBadRequest
	case orders.IsInvalidState(err):
		status = http.StatusConflict
	}
	return c.JSON(status, ErrorResponse{Message: err.Error()})
}

func parseId(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %s", c.Param("id"))
	}
	return uint(id), nil
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}
