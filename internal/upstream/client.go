// Package upstream implements the authenticated GraphQL client for the retail platform
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	apperrors "cart_sentinel/pkg/errors"
	apphttp "cart_sentinel/pkg/http"
	"cart_sentinel/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	opStock        = "StockWithCodeAndColor"
	opDetail       = "ProductDetailAndStock"
	opAddToCart    = "AddToCart"
	opCartTime     = "CartReservationTime"
	opTypeQuery    = "query"
	opTypeMutation = "mutation"
)

const stockQuery = `query StockWithCodeAndColor($code: String!, $color: String!) { stock { __typename styleArticleStocks(genericArticleId: $code, styleCode: $color) { __typename ...StockInformationFragment } } }
fragment StockInformationFragment on VariantArticleStock { __typename variantArticleId unreservedStock }`

const detailQuery = `query ProductDetailAndStock($code: String!, $color: String!) { product(code: $code, color: $color) { __typename ...ProductDetailFragment } stock { __typename styleArticleStocks(genericArticleId: $code, styleCode: $color) { __typename ...StockInformationFragment } } }
fragment ProductDetailFragment on PdpProductDetail { __typename productTitle designer { __typename name } style { __typename primaryColor { __typename name } } variants { __typename code size { __typename sizeText vendorSize } } price { __typename primary { __typename salesPrice { __typename formatted } recommendedRetailPrice { __typename formatted } relativeDiscount { __typename formatted } } } }
fragment StockInformationFragment on VariantArticleStock { __typename variantArticleId unreservedStock }`

const addToCartMutation = `mutation AddToCart($productCode: String!) { addToCart(productCode: $productCode) { __typename informationFromUpdate { __typename content } response } }`

const cartTimeQuery = `query CartReservationTime { cart { __typename reservationTime { __typename remainingTime maxReservationTime } } }`

type graphqlRequest struct {
	OperationName string                 `json:"operationName"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// apolloDecorator attaches the static protocol headers the platform's mobile
// client sends on every call.
type apolloDecorator struct {
	cfg config.UpstreamConfig
}

func (d *apolloDecorator) DecorateRequest(req *http.Request) error {
	req.Header.Set("Pragma", "no-remember-me")
	req.Header.Set("Accept", "multipart/mixed;deferSpec=20220824,application/graphql-response+json,application/json")
	req.Header.Set("Accept-Language", d.cfg.AcceptLanguage)
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("apollographql-client-name", d.cfg.ClientName)
	req.Header.Set("apollographql-client-version", d.cfg.ClientVersion)
	return nil
}

// Client issues GraphQL calls against the retail platform. It is stateless
// apart from the credential supplied per call and never retries; the calling
// loops provide the retry cadence.
type Client struct {
	http    *apphttp.Client
	cfg     config.UpstreamConfig
	logger  core.ILogger
	latency metric.Float64Histogram
}

// NewClient creates a new upstream client
func NewClient(cfg config.UpstreamConfig, logger core.ILogger) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	meter := telemetry.GetMeter("upstream")
	latency, _ := meter.Float64Histogram(telemetry.MetricUpstreamLatency,
		metric.WithDescription("Latency of upstream API calls"), metric.WithUnit("ms"))

	return &Client{
		http:    apphttp.NewClient(cfg.BaseURL, timeout, &apolloDecorator{cfg: cfg}),
		cfg:     cfg,
		logger:  logger.WithField("component", "upstream_client"),
		latency: latency,
	}
}

func (c *Client) execute(ctx context.Context, cred core.Credential, opName, opType string, req graphqlRequest) (json.RawMessage, error) {
	headers := map[string]string{
		"Authorization":           "Bearer " + cred.AccessToken,
		"X-Correlation-ID":        "app-" + uuid.NewString(),
		"X-APOLLO-OPERATION-NAME": opName,
		"X-APOLLO-OPERATION-TYPE": opType,
	}

	start := time.Now()
	body, err := c.http.PostWithHeaders(ctx, c.cfg.GraphQLPath, req, headers)
	c.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", opName)))

	if err != nil {
		return nil, classifyHTTPError(err)
	}

	var resp graphqlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}

	if len(resp.Errors) > 0 {
		return nil, classifyGraphQLErrors(resp.Errors)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, fmt.Errorf("%w: empty data payload for %s", apperrors.ErrMalformedResponse, opName)
	}

	return resp.Data, nil
}

// classifyHTTPError maps transport-level failures to the error taxonomy.
func classifyHTTPError(err error) error {
	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: status %d", apperrors.ErrAuthenticationFailed, apiErr.StatusCode)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: status %d", apperrors.ErrNotFound, apiErr.StatusCode)
		default:
			return fmt.Errorf("%w: status %d", apperrors.ErrNetwork, apiErr.StatusCode)
		}
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

// classifyGraphQLErrors maps application-level rejections embedded in an
// otherwise well-formed response.
func classifyGraphQLErrors(errs []graphqlError) error {
	first := errs[0]
	switch strings.ToUpper(first.Extensions.Code) {
	case "UNAUTHENTICATED", "UNAUTHORIZED", "FORBIDDEN":
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, first.Message)
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, first.Message)
	default:
		return fmt.Errorf("%w: %s (%s)", apperrors.ErrMalformedResponse, first.Message, first.Extensions.Code)
	}
}

type stockPayload struct {
	Stock struct {
		StyleArticleStocks []struct {
			VariantArticleID string `json:"variantArticleId"`
			UnreservedStock  int    `json:"unreservedStock"`
		} `json:"styleArticleStocks"`
	} `json:"stock"`
}

// FetchStock returns the variant-to-unreserved-stock mapping for a style.
func (c *Client) FetchStock(ctx context.Context, cred core.Credential, code, color string) (map[string]int, error) {
	req := graphqlRequest{
		OperationName: opStock,
		Query:         stockQuery,
		Variables:     map[string]interface{}{"code": code, "color": color},
	}

	data, err := c.execute(ctx, cred, opStock, opTypeQuery, req)
	if err != nil {
		return nil, err
	}

	var payload stockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if payload.Stock.StyleArticleStocks == nil {
		return nil, fmt.Errorf("%w: missing styleArticleStocks", apperrors.ErrMalformedResponse)
	}

	stock := make(map[string]int, len(payload.Stock.StyleArticleStocks))
	for _, s := range payload.Stock.StyleArticleStocks {
		stock[s.VariantArticleID] = s.UnreservedStock
	}
	return stock, nil
}

type detailPayload struct {
	Product *struct {
		ProductTitle string `json:"productTitle"`
		Designer     struct {
			Name string `json:"name"`
		} `json:"designer"`
		Style struct {
			PrimaryColor struct {
				Name string `json:"name"`
			} `json:"primaryColor"`
		} `json:"style"`
		Variants []struct {
			Code string `json:"code"`
			Size struct {
				SizeText   string `json:"sizeText"`
				VendorSize string `json:"vendorSize"`
			} `json:"size"`
		} `json:"variants"`
		Price struct {
			Primary struct {
				SalesPrice struct {
					Formatted string `json:"formatted"`
				} `json:"salesPrice"`
				RecommendedRetailPrice struct {
					Formatted string `json:"formatted"`
				} `json:"recommendedRetailPrice"`
				RelativeDiscount struct {
					Formatted string `json:"formatted"`
				} `json:"relativeDiscount"`
			} `json:"primary"`
		} `json:"price"`
	} `json:"product"`
	Stock struct {
		StyleArticleStocks []struct {
			VariantArticleID string `json:"variantArticleId"`
			UnreservedStock  int    `json:"unreservedStock"`
		} `json:"styleArticleStocks"`
	} `json:"stock"`
}

// FetchProductDetail returns display metadata, the size mapping, and an
// initial stock snapshot for a style.
func (c *Client) FetchProductDetail(ctx context.Context, cred core.Credential, code, color string) (*core.ProductDetail, error) {
	req := graphqlRequest{
		OperationName: opDetail,
		Query:         detailQuery,
		Variables:     map[string]interface{}{"code": code, "color": color},
	}

	data, err := c.execute(ctx, cred, opDetail, opTypeQuery, req)
	if err != nil {
		return nil, err
	}

	var payload detailPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if payload.Product == nil {
		return nil, fmt.Errorf("%w: product %s/%s", apperrors.ErrNotFound, code, color)
	}

	detail := &core.ProductDetail{
		Info: core.ProductInfo{
			Title:         payload.Product.ProductTitle,
			Designer:      payload.Product.Designer.Name,
			Color:         payload.Product.Style.PrimaryColor.Name,
			Price:         payload.Product.Price.Primary.SalesPrice.Formatted,
			OriginalPrice: payload.Product.Price.Primary.RecommendedRetailPrice.Formatted,
			Discount:      payload.Product.Price.Primary.RelativeDiscount.Formatted,
		},
		Sizes: make(map[string]core.SizeInfo, len(payload.Product.Variants)),
		Stock: make(map[string]int, len(payload.Stock.StyleArticleStocks)),
	}

	for _, v := range payload.Product.Variants {
		size := v.Size.SizeText
		if size == "" {
			size = "N/A"
		}
		detail.Sizes[v.Code] = core.SizeInfo{Size: size, VendorSize: v.Size.VendorSize}
	}
	for _, s := range payload.Stock.StyleArticleStocks {
		detail.Stock[s.VariantArticleID] = s.UnreservedStock
	}

	return detail, nil
}

type addToCartPayload struct {
	AddToCart *struct {
		Response              string `json:"response"`
		InformationFromUpdate *struct {
			Content string `json:"content"`
		} `json:"informationFromUpdate"`
	} `json:"addToCart"`
}

// AddToCart inserts a single variant into the cart.
func (c *Client) AddToCart(ctx context.Context, cred core.Credential, variantID string) error {
	req := graphqlRequest{
		OperationName: opAddToCart,
		Query:         addToCartMutation,
		Variables:     map[string]interface{}{"productCode": variantID},
	}

	data, err := c.execute(ctx, cred, opAddToCart, opTypeMutation, req)
	if err != nil {
		return err
	}

	var payload addToCartPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if payload.AddToCart == nil {
		return fmt.Errorf("%w: missing addToCart payload", apperrors.ErrMalformedResponse)
	}
	if payload.AddToCart.Response != "SUCCESS" {
		detail := payload.AddToCart.Response
		if payload.AddToCart.InformationFromUpdate != nil {
			detail = payload.AddToCart.InformationFromUpdate.Content
		}
		return fmt.Errorf("%w: %s", apperrors.ErrCartRejected, detail)
	}

	return nil
}

type cartTimePayload struct {
	Cart *struct {
		ReservationTime *struct {
			RemainingTime      int64 `json:"remainingTime"`
			MaxReservationTime int64 `json:"maxReservationTime"`
		} `json:"reservationTime"`
	} `json:"cart"`
}

// CartReservationTime returns the remaining reservation window in
// milliseconds together with the maximum configured window. A cart without a
// running reservation reports zero remaining time.
func (c *Client) CartReservationTime(ctx context.Context, cred core.Credential) (*core.CartTime, error) {
	req := graphqlRequest{
		OperationName: opCartTime,
		Query:         cartTimeQuery,
	}

	data, err := c.execute(ctx, cred, opCartTime, opTypeQuery, req)
	if err != nil {
		return nil, err
	}

	var payload cartTimePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedResponse, err)
	}
	if payload.Cart == nil {
		return nil, fmt.Errorf("%w: missing cart payload", apperrors.ErrMalformedResponse)
	}
	if payload.Cart.ReservationTime == nil {
		// No active reservation.
		return &core.CartTime{RemainingMs: 0, MaxMs: 0}, nil
	}

	return &core.CartTime{
		RemainingMs: payload.Cart.ReservationTime.RemainingTime,
		MaxMs:       payload.Cart.ReservationTime.MaxReservationTime,
	}, nil
}
