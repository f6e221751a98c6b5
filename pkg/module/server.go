package module

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/apis"
	"github.com/antoine510/solar-mgr/pkg/apis/response"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/storage"
)

var patchTypes = sets.NewString(string(types.JSONPatchType), string(types.MergePatchType))

const maxJSONPatchOperations = 100

type HandlerOption func(*handler)

// WithStore saves patched calibrations.
func WithStore(store storage.Putter) HandlerOption {
	return func(h *handler) {
		h.store = store
	}
}

// WithActionLimiter bounds how often control commands reach the bus.
func WithActionLimiter(l *rate.Limiter) HandlerOption {
	return func(h *handler) {
		h.limiter = l
	}
}

type handler struct {
	registry *Registry
	store    storage.Putter
	limiter  *rate.Limiter
}

// View is a module as the HTTP surface shows it.
type View struct {
	Info
	Calibration *Calibration `json:"calibration,omitempty"`
}

type ResponseModel struct {
	Modules []View `json:"modules"`
}

type OnlineResponse struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

type ReadingResponse struct {
	Name    string  `json:"name"`
	Reading Reading `json:"reading"`
}

func InstallHandler(group *gin.RouterGroup, registry *Registry, opts ...HandlerOption) {
	h := &handler{registry: registry}
	for _, opt := range opts {
		opt(h)
	}
	group.GET("/modules", listModules(h))
	group.GET("/modules/:name", getModuleByName(h))
	group.GET("/modules/:name/online", checkModuleOnline(h))
	group.GET("/modules/:name/reading", readModule(h))
	group.PUT("/modules/:name/action", doModuleActions(h))
	group.PATCH("/modules/:name", patchModuleByName(h))
}

func view(d Device) View {
	v := View{Info: d.Info()}
	if s, ok := d.(*CurrentSensor); ok {
		cal := s.Calibration()
		v.Calibration = &cal
	}
	return v
}

func listModules(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Request.URL.Query()
		if refresh, _ := strconv.ParseBool(query.Get(apis.Refresh)); refresh {
			h.registry.CheckOnline(c.Request.Context())
		}
		kind := query.Get(apis.Kind)
		status := query.Get(apis.Status)

		views := make([]View, 0)
		for _, d := range h.registry.List() {
			info := d.Info()
			if len(kind) > 0 && string(info.Kind) != kind {
				continue
			}
			if len(status) > 0 && string(info.Status) != status {
				continue
			}
			views = append(views, view(d))
		}
		c.JSON(http.StatusOK, &ResponseModel{Modules: views})
	}
}

func getModuleByName(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		d, err := h.registry.Get(name)
		if err != nil {
			renderError(c, name, err)
			return
		}
		c.JSON(http.StatusOK, view(d))
	}
}

func checkModuleOnline(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		d, err := h.registry.Get(name)
		if err != nil {
			renderError(c, name, err)
			return
		}
		c.JSON(http.StatusOK, OnlineResponse{Name: name, Online: d.CheckOnline(c.Request.Context())})
	}
}

func readModule(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		d, err := h.registry.Get(name)
		if err != nil {
			renderError(c, name, err)
			return
		}
		reading, err := d.Read(c.Request.Context())
		if err != nil {
			renderError(c, name, err)
			return
		}
		c.JSON(http.StatusOK, ReadingResponse{Name: name, Reading: reading})
	}
}

func doModuleActions(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		name := c.Param("name")
		d, err := h.registry.Get(name)
		if err != nil {
			renderError(c, name, err)
			return
		}

		items, err := decodeActionItems(c.Request.Body)
		if err != nil {
			klog.V(3).InfoS("Failed to parse action", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}

		errs := &response.MultiError{}
		actions := make([]Action, 0, len(items))
		kind := d.Info().Kind
		for _, item := range items {
			var action Action
			if err := decodeAction(item, &action); err != nil {
				klog.V(3).InfoS("Failed to decode action", "module", name, "err", err)
				errs.Add(response.ErrRequestBody)
				continue
			}
			if err := ValidateAction(kind, action); err != nil {
				if errors.Is(err, ErrActionValue) {
					errs.Add(response.ErrActionValue(action.Value, err))
				} else {
					errs.Add(response.ErrLegalActionNotFound)
				}
				continue
			}
			actions = append(actions, action)
		}
		if errs.Len() > 0 {
			c.JSON(http.StatusBadRequest, errs)
			return
		}
		if len(actions) == 0 {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrLegalActionNotFound))
			return
		}

		if h.limiter != nil && !h.limiter.Allow() {
			klog.V(2).InfoS("Rejected module actions", "module", name, "actions", len(actions))
			c.Header(apis.RetryAfter, strconv.Itoa(retryAfterSeconds(h.limiter)))
			c.JSON(http.StatusTooManyRequests, response.NewMultiError(response.ErrTooManyRequests))
			return
		}

		for _, action := range actions {
			if err := d.Do(c.Request.Context(), action); err != nil {
				klog.V(2).InfoS("Failed to deliver action", "module", name, "action", action.Name, "err", err)
				renderError(c, name, err)
				return
			}
			klog.V(3).InfoS("Delivered action", "module", name, "action", action.Name, "value", action.Value)
		}
		c.Status(http.StatusAccepted)
	}
}

func patchModuleByName(h *handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		contentType := c.GetHeader("Content-Type")
		// Remove "; charset=" if included in header.
		if idx := strings.Index(contentType, ";"); idx > 0 {
			contentType = contentType[:idx]
		}
		if !patchTypes.Has(contentType) {
			c.Status(http.StatusUnsupportedMediaType)
			return
		}

		name := c.Param("name")
		d, err := h.registry.Get(name)
		if err != nil {
			renderError(c, name, err)
			return
		}
		sensor, ok := d.(*CurrentSensor)
		if !ok {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrNotPatchable(name)))
			return
		}

		patchBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			klog.V(2).InfoS("Failed to get request body", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrRequestBody))
			return
		}
		versionedJS, err := json.Marshal(sensor.Calibration())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		patchedJS, err := applyJSPatch(types.PatchType(contentType), patchBytes, versionedJS)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}

		var cal Calibration
		decoder := json.NewDecoder(bytes.NewReader(patchedJS))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cal); err != nil {
			klog.V(3).InfoS("Failed to decode patched calibration", "module", name, "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}
		if cal.ScaleFactor == 0 || math.IsNaN(cal.ScaleFactor) || math.IsInf(cal.ScaleFactor, 0) {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrActionValue(cal.ScaleFactor, ErrActionValue)))
			return
		}

		sensor.SetCalibration(cal)
		klog.V(1).InfoS("Updated calibration", "module", name, "scaleFactor", cal.ScaleFactor, "offset", cal.Offset)
		if h.store != nil {
			if err := SaveCalibration(sensor, h.store); err != nil {
				klog.ErrorS(err, "Failed to save calibration", "module", name)
			}
		}
		c.JSON(http.StatusOK, view(sensor))
	}
}

// decodeActionItems accepts one action object or a list of them.
func decodeActionItems(body io.Reader) ([]map[string]interface{}, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var item map[string]interface{}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		return []map[string]interface{}{item}, nil
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func decodeAction(item map[string]interface{}, action *Action) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           action,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(item)
}

func retryAfterSeconds(l *rate.Limiter) int {
	r := l.Reserve()
	defer r.Cancel()
	if s := int(math.Ceil(r.Delay().Seconds())); s > 1 {
		return s
	}
	return 1
}

func applyJSPatch(patchType types.PatchType, patchBytes, versionedJS []byte) (patchedJS []byte, err error) {
	switch patchType {
	case types.JSONPatchType:
		patchObj, err := jsonpatch.DecodePatch(patchBytes)
		if err != nil {
			return nil, response.ErrMalformedJSON
		}
		if len(patchObj) > maxJSONPatchOperations {
			klog.V(3).InfoS("Too many json patch operations", "count", len(patchObj))
			return nil, response.ErrTooManyJsonPatchOperations(maxJSONPatchOperations)
		}
		patchedJS, err := patchObj.Apply(versionedJS)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json patch", "err", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, nil
	case types.MergePatchType:
		patchedJS, err = jsonpatch.MergePatch(versionedJS, patchBytes)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json merge patch", "err", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, err
	default:
		// only here as a safety net - gin filters content-type
		return nil, fmt.Errorf("unknown Content-Type header for patch: %v", patchType)
	}
}

func renderError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, ErrModuleNotFound):
		c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrResourceNotFound("module "+name)))
	case errors.Is(err, ErrUnsupportedAction):
		c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrLegalActionNotFound))
	case errors.Is(err, solarbusruntime.ErrNoResponse):
		c.JSON(http.StatusGatewayTimeout, response.NewMultiError(response.ErrNoResponse(name, err)))
	case errors.Is(err, solarbusruntime.ErrInvalidValue):
		c.JSON(http.StatusBadGateway, response.NewMultiError(response.ErrInvalidReading(name, err)))
	case errors.Is(err, solarbusruntime.ErrSerialPortClosed),
		errors.Is(err, solarbusruntime.ErrWrite),
		errors.Is(err, solarbusruntime.ErrRead),
		errors.Is(err, solarbusruntime.ErrConfig),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, response.NewMultiError(response.ErrBusUnavailable))
	default:
		klog.ErrorS(err, "Unexpected module error", "module", name)
		c.Status(http.StatusInternalServerError)
	}
}
