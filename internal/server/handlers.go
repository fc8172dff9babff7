package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"patent_agent/internal/convstore"
	"patent_agent/internal/prompts"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func notOK(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "message": message})
}

func (s *Server) handleUserPromptsGet(c *gin.Context) {
	ok(c, gin.H{
		"prompts": s.userPrompts.All(),
		"stats":   s.userPrompts.Stats(),
	})
}

// handleUserPromptsSet accepts the combined form with one field per role.
// Absent fields are untouched; present-but-blank fields clear the role.
func (s *Server) handleUserPromptsSet(c *gin.Context) {
	var body map[string]*string
	if err := c.ShouldBindJSON(&body); err != nil {
		notOK(c, http.StatusBadRequest, "请求数据格式错误")
		return
	}
	for _, role := range prompts.UserPromptRoles {
		val, present := body[role]
		if !present || val == nil {
			continue
		}
		var err error
		if strings.TrimSpace(*val) == "" {
			err = s.userPrompts.Delete(role)
		} else {
			err = s.userPrompts.Set(role, *val)
		}
		if err != nil {
			notOK(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUserPromptGet(c *gin.Context) {
	role := c.Param("role")
	if !validRole(role) {
		notOK(c, http.StatusBadRequest, "不支持的角色: "+role)
		return
	}
	ok(c, gin.H{"role": role, "prompt": s.userPrompts.Get(role)})
}

func (s *Server) handleUserPromptSet(c *gin.Context) {
	role := c.Param("role")
	if !validRole(role) {
		notOK(c, http.StatusBadRequest, "不支持的角色: "+role)
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		notOK(c, http.StatusBadRequest, "请求数据格式错误")
		return
	}
	if err := s.userPrompts.Set(role, body.Prompt); err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUserPromptDelete(c *gin.Context) {
	role := c.Param("role")
	if !validRole(role) {
		notOK(c, http.StatusBadRequest, "不支持的角色: "+role)
		return
	}
	if err := s.userPrompts.Delete(role); err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleUserPromptsDeleteAll(c *gin.Context) {
	if err := s.userPrompts.DeleteAll(); err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func validRole(role string) bool {
	for _, r := range prompts.UserPromptRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Server) handleConversationsHealth(c *gin.Context) {
	if err := s.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "status": "unhealthy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "healthy"})
}

func (s *Server) handleConversationTasks(c *gin.Context) {
	tasks, err := s.store.Tasks()
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	ok(c, out)
}

func (s *Server) handleConversationTask(c *gin.Context) {
	id := c.Param("id")
	task, err := s.store.Task(id)
	if errors.Is(err, convstore.ErrNotFound) {
		notOK(c, http.StatusNotFound, "任务不存在")
		return
	}
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	rounds, err := s.store.Rounds(id)
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	detail := taskJSON(task)
	detail["rounds"] = rounds
	detail["round_count"] = len(rounds)
	ok(c, detail)
}

func (s *Server) handleConversationRounds(c *gin.Context) {
	rounds, err := s.store.Rounds(c.Param("id"))
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, rounds)
}

func (s *Server) handleConversationRound(c *gin.Context) {
	round, okRound := parseRound(c.Param("round"))
	if !okRound {
		notOK(c, http.StatusBadRequest, "轮次参数无效")
		return
	}
	records, err := s.store.Round(c.Param("id"), round)
	if errors.Is(err, convstore.ErrNotFound) {
		notOK(c, http.StatusNotFound, "轮次不存在")
		return
	}
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := gin.H{}
	for role, rec := range records {
		out[role] = roundJSON(rec)
	}
	ok(c, out)
}

func (s *Server) handleConversationRoundRole(c *gin.Context) {
	round, okRound := parseRound(c.Param("round"))
	if !okRound {
		notOK(c, http.StatusBadRequest, "轮次参数无效")
		return
	}
	rec, err := s.store.RoundRole(c.Param("id"), round, c.Param("role"))
	if errors.Is(err, convstore.ErrNotFound) {
		notOK(c, http.StatusNotFound, "记录不存在")
		return
	}
	if err != nil {
		notOK(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, roundJSON(rec))
}

func taskJSON(t convstore.TaskInfo) gin.H {
	return gin.H{
		"id":         t.ID,
		"title":      t.Title,
		"iterations": t.Iterations,
		"status":     t.Status,
		"base_name":  t.BaseName,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
}

func roundJSON(r convstore.RoundRecord) gin.H {
	return gin.H{
		"id":           r.ID,
		"task_id":      r.TaskID,
		"round_number": r.RoundNumber,
		"role":         r.Role,
		"prompt":       r.Prompt,
		"response":     r.Response,
		"timestamp":    r.Timestamp,
	}
}
