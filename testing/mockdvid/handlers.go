package mockdvid

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type createRepoBody struct {
	Alias       string `json:"alias"`
	Description string `json:"description"`
}

type createInstanceBody struct {
	TypeName string `json:"typename"`
	DataName string `json:"dataname"`
}

type syncBody struct {
	Sync string `json:"sync"`
}

type logBody struct {
	Log []string `json:"log"`
}

func decodeBody(c echo.Context, v any) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Error decoding POSTed JSON: %v", err))
	}
	return nil
}

func (s *Server) serverInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"DVID Version":      Version,
		"Datastore Version": "0.10.0",
		"Server uptime":     time.Since(s.started).Round(time.Millisecond).String(),
		"Storage backend":   "memory",
	})
}

func (s *Server) createRepo(c echo.Context) error {
	var body createRepoBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if body.Alias == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "new repo requires an alias")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.aliases[body.Alias]; taken {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("alias %q exists", body.Alias))
	}
	id := s.addRepoLocked(body.Alias, body.Description)
	return c.JSON(http.StatusOK, map[string]string{"root": id})
}

func (s *Server) reposInfo(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.repos))
	for id, r := range s.repos {
		out[id] = repoSummary(r)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) repoInfo(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repoLocked(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, repoSummary(r))
}

func repoSummary(r *repo) map[string]any {
	data := make(map[string]any, len(r.instances))
	for name, inst := range r.instances {
		data[name] = map[string]string{"TypeName": inst.typename}
	}
	return map[string]any{
		"Root":          r.uuid,
		"Alias":         r.alias,
		"Description":   r.description,
		"Created":       r.created.Format(time.RFC3339),
		"DataInstances": data,
	}
}

func (s *Server) createInstance(c echo.Context) error {
	var body createInstanceBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if _, ok := bytesPerVoxel[body.TypeName]; !ok && body.TypeName != TypeKeyValue &&
		body.TypeName != TypeROI && body.TypeName != TypeLabelvol {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown datatype %q", body.TypeName))
	}
	if body.DataName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dataname is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repoLocked(c)
	if err != nil {
		return err
	}
	if _, exists := r.instances[body.DataName]; exists {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("data instance %q already exists", body.DataName))
	}
	r.instances[body.DataName] = &instance{
		typename: body.TypeName,
		name:     body.DataName,
		keys:     make(map[string][]byte),
		blocks:   make(map[[3]int]struct{}),
		voxels:   make(map[[3]int][]byte),
	}
	return c.JSON(http.StatusOK, map[string]string{
		"result": fmt.Sprintf("Added %s [%s] to node %s", body.DataName, body.TypeName, r.uuid),
	})
}

func (s *Server) nodeLog(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repoLocked(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logBody{Log: append([]string{}, r.log...)})
}

func (s *Server) appendNodeLog(c echo.Context) error {
	var body logBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.repoLocked(c)
	if err != nil {
		return err
	}
	r.log = append(r.log, body.Log...)
	return c.NoContent(http.StatusOK)
}

func (s *Server) instanceInfo(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"Base": map[string]string{"TypeName": inst.typename, "Name": inst.name},
	})
}

func (s *Server) setSync(c echo.Context) error {
	var body syncBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, "")
	if err != nil {
		return err
	}
	r, err := s.repoLocked(c)
	if err != nil {
		return err
	}
	if _, ok := r.instances[body.Sync]; !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("sync target %q does not exist", body.Sync))
	}
	inst.sync = body.Sync
	return c.NoContent(http.StatusOK)
}

func (s *Server) listKeys(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeKeyValue)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(inst.keys))
	for k := range inst.keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return c.JSON(http.StatusOK, keys)
}

func (s *Server) getKey(c echo.Context) error {
	key, err := pathParam(c, "key")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeKeyValue)
	if err != nil {
		return err
	}
	value, ok := inst.keys[key]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("key %q not found", key))
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, value)
}

func (s *Server) putKey(c echo.Context) error {
	key, err := pathParam(c, "key")
	if err != nil {
		return err
	}
	value, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeKeyValue)
	if err != nil {
		return err
	}
	inst.keys[key] = value
	return c.NoContent(http.StatusOK)
}

func (s *Server) deleteKey(c echo.Context) error {
	key, err := pathParam(c, "key")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeKeyValue)
	if err != nil {
		return err
	}
	delete(inst.keys, key)
	return c.NoContent(http.StatusOK)
}

func (s *Server) getROI(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeROI)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, encodeSpans(inst.blocks))
}

func (s *Server) postROI(c echo.Context) error {
	var spans [][4]int
	if err := decodeBody(c, &spans); err != nil {
		return err
	}
	blocks := make(map[[3]int]struct{})
	for _, span := range spans {
		if span[3] < span[2] {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid span %v", span))
		}
		for x := span[2]; x <= span[3]; x++ {
			blocks[[3]int{span[0], span[1], x}] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeROI)
	if err != nil {
		return err
	}
	inst.blocks = blocks
	return c.NoContent(http.StatusOK)
}

func (s *Server) pointQuery(c echo.Context) error {
	var points [][3]int
	if err := decodeBody(c, &points); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeROI)
	if err != nil {
		return err
	}
	out := make([]bool, len(points))
	for i, p := range points {
		// points arrive as x, y, z
		block := [3]int{floorDiv(p[2], BlockSize), floorDiv(p[1], BlockSize), floorDiv(p[0], BlockSize)}
		_, out[i] = inst.blocks[block]
	}
	return c.JSON(http.StatusOK, out)
}

// repoLocked resolves the :uuid parameter, accepting a unique prefix the way
// DVID does.
func (s *Server) repoLocked(c echo.Context) (*repo, error) {
	id := c.Param("uuid")
	if r, ok := s.repos[id]; ok {
		return r, nil
	}
	var match *repo
	for full, r := range s.repos {
		if id != "" && strings.HasPrefix(full, id) {
			if match != nil {
				return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("ambiguous UUID %q", id))
			}
			match = r
		}
	}
	if match == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no node with UUID %q", id))
	}
	return match, nil
}

func (s *Server) instanceLocked(c echo.Context, typename string) (*instance, error) {
	r, err := s.repoLocked(c)
	if err != nil {
		return nil, err
	}
	name, err := pathParam(c, "name")
	if err != nil {
		return nil, err
	}
	inst, ok := r.instances[name]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid data instance name %q", name))
	}
	if typename != "" && inst.typename != typename {
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("data instance %q is of type %s, not %s", name, inst.typename, typename))
	}
	return inst, nil
}

func pathParam(c echo.Context, name string) (string, error) {
	v, err := url.PathUnescape(c.Param(name))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed %s", name))
	}
	return v, nil
}

// encodeSpans run-length encodes blocks into sorted [z, y, x0, x1] spans.
func encodeSpans(blocks map[[3]int]struct{}) [][4]int {
	sorted := make([][3]int, 0, len(blocks))
	for b := range blocks {
		sorted = append(sorted, b)
	}
	slices.SortFunc(sorted, func(a, b [3]int) int {
		for i := range a {
			if a[i] != b[i] {
				return a[i] - b[i]
			}
		}
		return 0
	})

	spans := [][4]int{}
	for _, b := range sorted {
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last[0] == b[0] && last[1] == b[1] && last[3]+1 == b[2] {
				last[3] = b[2]
				continue
			}
		}
		spans = append(spans, [4]int{b[0], b[1], b[2], b[2]})
	}
	return spans
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
