package dashboard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/report"
	"github.com/genfin/furrow/internal/season"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	svc := opts.Service

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler(opts)))

	api := router.Group("/api")
	api.POST("/seasons", handleRegister(svc))
	api.GET("/seasons", handleList(svc))
	api.GET("/insurer/seasons", handleInsurerList(svc))

	s := api.Group("/seasons/:id")
	s.GET("", handleStatus(svc))
	s.GET("/next", handleNext(svc))
	s.POST("/uploads", handleUpload(svc))
	s.POST("/stages/:n/approve", handleApprove(svc))
	s.POST("/stages/:n/disburse", handleDisburse(svc))
	s.POST("/pest", handlePest(svc))
	s.POST("/sensor", handleSensor(svc))
	s.POST("/insurance/bind", handleBind(svc))
	s.POST("/insurance/trigger", handleTrigger(svc))
	s.GET("/chain", handleChain(svc))
	s.GET("/chain/verify", handleVerify(svc))
	s.GET("/chain/stream", handleChainStream(svc))
	s.GET("/report", handleReport(svc, opts))
}

func metricsHandler(opts StartOpts) http.Handler {
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if reg := opts.Metrics.Registry(); reg != nil {
		g = reg
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "invalid_transition", "invalid_state":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": errs.Kind(err)})
}

// bindJSON decodes an optional JSON body. An empty body leaves v untouched.
func bindJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err))
		return false
	}
	return true
}

func stageParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		writeError(c, fmt.Errorf("%w: stage number %q", errs.ErrInvalidInput, c.Param("n")))
		return 0, false
	}
	return n, true
}

type registerRequest struct {
	Name       string  `json:"name"`
	Phone      string  `json:"phone"`
	IDDocument string  `json:"id_document"`
	Gender     string  `json:"gender"`
	Age        int     `json:"age"`
	NextOfKin  string  `json:"next_of_kin"`
	Crop       string  `json:"crop"`
	PlotSize   float64 `json:"plot_size"`
	GeoTag     string  `json:"geo_tag"`
}

func handleRegister(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if !bindJSON(c, &req) {
			return
		}
		s, err := svc.Register(c.Request.Context(), season.RegisterOpts{
			Name:       req.Name,
			Phone:      req.Phone,
			IDDocument: req.IDDocument,
			Gender:     req.Gender,
			Age:        req.Age,
			NextOfKin:  req.NextOfKin,
			Crop:       req.Crop,
			PlotSize:   req.PlotSize,
			GeoTag:     req.GeoTag,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":   "Farmer registered successfully",
			"season_id": s.ID,
			"farmer_id": s.FarmerID,
		})
	}
}

func handleList(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if list == nil {
			list = []season.Summary{}
		}
		c.JSON(http.StatusOK, list)
	}
}

// handleInsurerList lists seasons with their policy status for insurers.
func handleInsurerList(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(list))
		for _, s := range list {
			out = append(out, gin.H{
				"season_id":     s.SeasonID,
				"name":          s.Name,
				"policy_status": s.PolicyStatus,
				"score":         s.Score,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleStatus(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		s, err := svc.Get(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		v := statusView{
			SeasonID:  s.ID,
			FarmerID:  s.FarmerID,
			Crop:      s.Crop,
			PlotSize:  s.PlotSize,
			GeoTag:    s.GeoTag,
			StartDate: s.StartDate,
			EndDate:   s.EndDate,
		}
		if s.Farmer != nil {
			v.Name, v.Phone = s.Farmer.Name, s.Farmer.Phone
		}

		if err := fillStatus(c, svc, id, &v); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func fillStatus(c *gin.Context, svc *season.Service, id string, v *statusView) error {
	ctx := c.Request.Context()
	var err error

	if v.Score, err = svc.CurrentScore(ctx, id); err != nil {
		return err
	}
	stages, err := svc.Stages(ctx, id)
	if err != nil {
		return err
	}
	v.Stages = make([]stageView, 0, len(stages))
	for _, st := range stages {
		v.Stages = append(v.Stages, toStageView(st))
		if st.Status == models.StageCompleted {
			v.TotalDisbursed += st.Amount
		}
	}

	uploads, err := svc.Uploads(ctx, id)
	if err != nil {
		return err
	}
	v.Uploads = make([]uploadView, 0, len(uploads))
	for _, u := range uploads {
		v.Uploads = append(v.Uploads, uploadView{
			StageNumber: u.StageNumber,
			FileType:    u.FileType,
			FileName:    u.FileName,
			PH:          u.PH,
			SoilBoost:   u.SoilBoost,
			UploadedAt:  u.UploadedAt,
		})
	}

	events, err := svc.SensorEvents(ctx, id)
	if err != nil {
		return err
	}
	v.SensorEvents = make([]sensorView, 0, len(events))
	for _, e := range events {
		v.SensorEvents = append(v.SensorEvents, sensorView{
			Source:       e.Source,
			PH:           e.PH,
			Moisture:     e.Moisture,
			Temperature:  e.Temperature,
			PestDetected: e.PestDetected,
			RecordedAt:   e.RecordedAt,
		})
		v.PestFlag = v.PestFlag || e.PestDetected
	}

	v.History = []entryView{}
	v.ContractState, v.ContractHash = "N/A", "N/A"
	for e, err := range svc.History(ctx, id) {
		if err != nil {
			return err
		}
		v.History = append(v.History, toEntryView(e))
		v.ContractState, v.ContractHash = e.State, e.Hash
	}

	policy, err := svc.CurrentPolicy(ctx, id)
	if err != nil {
		return err
	}
	v.Policy = toPolicyView(policy)

	next, err := svc.NextActionable(ctx, id)
	if err != nil {
		return err
	}
	if next != nil {
		sv := toStageView(*next)
		v.NextActionable = &sv
	}
	return nil
}

func handleNext(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		next, err := svc.NextActionable(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if next == nil {
			c.JSON(http.StatusOK, gin.H{"message": "No further stages require an upload or approval."})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Stage %d requires an action (%s).", next.Number, actionFor(next.Status)),
			"stage":   toStageView(*next),
		})
	}
}

func actionFor(status string) string {
	if status == models.StagePending {
		return "Approval"
	}
	return "Upload"
}

type uploadRequest struct {
	Stage    int      `json:"stage_number" form:"stage_number"`
	FileType string   `json:"file_type" form:"file_type"`
	FileName string   `json:"file_name" form:"file_name"`
	PH       *float64 `json:"ph" form:"ph"`
}

// handleUpload accepts a JSON body or a multipart form with an optional
// "file" part. File contents are not stored.
func handleUpload(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req uploadRequest
		if err := c.ShouldBind(&req); err != nil {
			writeError(c, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err))
			return
		}
		if fh, err := c.FormFile("file"); err == nil && req.FileName == "" {
			req.FileName = fh.Filename
		}
		u, err := svc.Upload(c.Request.Context(), c.Param("id"), season.UploadOpts{
			Stage:    req.Stage,
			FileType: req.FileType,
			FileName: req.FileName,
			PH:       req.PH,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":    fmt.Sprintf("File uploaded for Stage %d. Status is PENDING approval.", u.StageNumber),
			"soil_boost": u.SoilBoost,
		})
	}
}

func handleApprove(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := stageParam(c)
		if !ok {
			return
		}
		st, err := svc.Approve(c.Request.Context(), c.Param("id"), n)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Stage %d approved. Ready for disbursement.", st.Number),
			"stage":   toStageView(*st),
		})
	}
}

func handleDisburse(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := stageParam(c)
		if !ok {
			return
		}
		d, err := svc.Disburse(c.Request.Context(), c.Param("id"), n)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  fmt.Sprintf("Funds disbursed for Stage %d. Amount: $%.2f", d.Stage.Number, d.Amount),
			"amount":   d.Amount,
			"unlocked": d.Unlocked,
			"skipped":  d.Skipped,
		})
	}
}

type pestRequest struct {
	Source string `json:"source"`
}

func handlePest(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := pestRequest{Source: models.SourceManual}
		if !bindJSON(c, &req) {
			return
		}
		unlocked, err := svc.PestEvent(c.Request.Context(), c.Param("id"), req.Source)
		if err != nil {
			writeError(c, err)
			return
		}
		msg := "Pest event logged. Stage 5 was already open."
		if unlocked {
			msg = "Pest event confirmed. Stage 5 unlocked."
		}
		c.JSON(http.StatusOK, gin.H{"message": msg, "unlocked": unlocked})
	}
}

func handleSensor(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var r season.Reading
		if !bindJSON(c, &r) {
			return
		}
		ev, unlocked, err := svc.IngestSensorReading(c.Request.Context(), c.Param("id"), r)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":       fmt.Sprintf("IoT data ingested. Pest detected: %t.", ev.PestDetected),
			"pest_detected": ev.PestDetected,
			"unlocked":      unlocked,
		})
	}
}

func handleBind(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.BindPolicy(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Policy %s bound successfully and is ACTIVE.", p.PolicyID),
			"policy":  toPolicyView(p),
		})
	}
}

type triggerRequest struct {
	Rainfall float64 `json:"rainfall"`
}

func handleTrigger(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerRequest
		if !bindJSON(c, &req) {
			return
		}
		claimed, err := svc.CheckInsuranceTrigger(c.Request.Context(), c.Param("id"), req.Rainfall)
		if err != nil {
			writeError(c, err)
			return
		}
		msg := "No insurance triggers met at this time."
		if claimed {
			msg = "Drought trigger met! Insurance claim process initiated."
		}
		c.JSON(http.StatusOK, gin.H{"message": msg, "claimed": claimed})
	}
}

func handleChain(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := []entryView{}
		for e, err := range svc.History(c.Request.Context(), c.Param("id")) {
			if err != nil {
				writeError(c, err)
				return
			}
			entries = append(entries, toEntryView(e))
		}
		c.JSON(http.StatusOK, entries)
	}
}

func handleVerify(svc *season.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := svc.VerifyChain(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"season_id": r.SeasonID,
			"entries":   r.Entries,
			"valid":     r.Valid,
			"broken_at": r.BrokenAt,
			"reason":    r.Reason,
		})
	}
}

func handleReport(svc *season.Service, opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		snap, err := report.Build(c.Request.Context(), svc, id, opts.Now())
		if err != nil {
			writeError(c, err)
			return
		}
		var buf bytes.Buffer
		if err := report.Render(&buf, snap); err != nil {
			writeError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=report_%s.txt", id))
		c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
	}
}
