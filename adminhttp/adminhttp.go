// Package adminhttp implements the admin HTTP surface: a thin CRUD
// veneer over the desired-state table, mounted on an echo router.
package adminhttp

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shanty-social/tunnel-agent/tunnel"
	"github.com/shanty-social/tunnel-agent/tunnelset"
)

// Handler wires the desired-state table to an echo router.
type Handler struct {
	Table *tunnelset.Table
}

// Register mounts the /tunnels/ routes onto e.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/tunnels")
	g.GET("/", h.listAll)
	g.GET("/:domain", h.getOne)
	g.POST("/", h.replaceAll)
	g.POST("/:domain", h.setOne)
	g.DELETE("/", h.clearAll)
	g.DELETE("/:domain", h.deleteOne)
}

// listAll handles GET /tunnels/: {domain: tunnel-dict} for every desired
// tunnel.
func (h *Handler) listAll(c echo.Context) error {
	snapshot := h.Table.Snapshot()
	out := make(map[string]tunnel.Dict, len(snapshot))
	for domain, tun := range snapshot {
		out[domain] = tun.ToDict()
	}
	return c.JSON(http.StatusOK, out)
}

// getOne handles GET /tunnels/{domain}: the tunnel-dict, or 404 if the
// domain is not desired.
func (h *Handler) getOne(c echo.Context) error {
	domain := c.Param("domain")
	tun, ok := h.Table.Get(domain)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, tun.ToDict())
}

// replaceAll handles POST /tunnels/ with a full {domain: tunnel-dict}
// body: replace semantics. Status is 201 iff the changed signal fired,
// else 200. The signal drives the status, not whether the table's
// contents differ in a way that matters to the caller.
func (h *Handler) replaceAll(c echo.Context) error {
	var body map[string]tunnel.Dict
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	replacement := make(map[string]tunnel.Tunnel, len(body))
	for domain, d := range body {
		d.Domain = domain
		replacement[domain] = tunnel.FromDict(d)
	}

	changed := h.Table.Replace(replacement)
	return c.NoContent(statusFor(changed))
}

// setOne handles POST /tunnels/{domain} with a single tunnel-dict body:
// set semantics. Status is 201 iff the changed signal fired, else 200.
func (h *Handler) setOne(c echo.Context) error {
	domain := c.Param("domain")
	var d tunnel.Dict
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d.Domain = domain

	changed := h.Table.Set(tunnel.FromDict(d))
	return c.NoContent(statusFor(changed))
}

// clearAll handles DELETE /tunnels/: clear semantics, always 204.
func (h *Handler) clearAll(c echo.Context) error {
	h.Table.Clear()
	return c.NoContent(http.StatusNoContent)
}

// deleteOne handles DELETE /tunnels/{domain}: delete semantics, 204 if
// the domain was present, else 404.
func (h *Handler) deleteOne(c echo.Context) error {
	domain := c.Param("domain")
	if !h.Table.Delete(domain) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func statusFor(changed bool) int {
	if changed {
		return http.StatusCreated
	}
	return http.StatusOK
}
