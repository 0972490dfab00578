package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func authRouter(auth *service.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetClaims(c).UserID})
	}
	r.GET("/student", RequireStudentJWT(auth), ok)
	r.GET("/proctor", RequireProctorJWT(auth), ok)
	r.GET("/ws/exams/:exam_id", RequireProctorWSAuth(auth), ok)
	return r
}

func call(r *gin.Engine, path, bearer string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTMiddlewareSeparatesRoles(t *testing.T) {
	auth := service.NewAuthService("secret", time.Hour)
	r := authRouter(auth)

	studentToken, err := auth.GenerateStudentToken(42)
	require.NoError(t, err)
	proctorToken, err := auth.GenerateProctorToken(7, []string{"exam-1"})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, call(r, "/student", studentToken))
	require.Equal(t, http.StatusForbidden, call(r, "/student", proctorToken))
	require.Equal(t, http.StatusOK, call(r, "/proctor", proctorToken))
	require.Equal(t, http.StatusForbidden, call(r, "/proctor", studentToken))
	require.Equal(t, http.StatusUnauthorized, call(r, "/student", ""))
	require.Equal(t, http.StatusUnauthorized, call(r, "/student", "garbage"))
}

func TestProctorWSAuthChecksExamScope(t *testing.T) {
	auth := service.NewAuthService("secret", time.Hour)
	r := authRouter(auth)

	token, err := auth.GenerateProctorToken(7, []string{"exam-1"})
	require.NoError(t, err)
	studentToken, err := auth.GenerateStudentToken(42)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, call(r, "/ws/exams/exam-1?token="+token, ""))
	require.Equal(t, http.StatusForbidden, call(r, "/ws/exams/exam-2?token="+token, ""))
	require.Equal(t, http.StatusForbidden, call(r, "/ws/exams/exam-1?token="+studentToken, ""))
	require.Equal(t, http.StatusUnauthorized, call(r, "/ws/exams/exam-1", ""))
}

func TestAuthFailureCodes(t *testing.T) {
	expired := service.NewAuthService("secret", -time.Minute)
	token, err := expired.GenerateStudentToken(42)
	require.NoError(t, err)
	_, err = expired.ValidateToken(token)
	require.Error(t, err)

	require.Equal(t, response.ErrTokenExpired, authFailure(err))
	require.Equal(t, response.ErrTokenRequired, authFailure(errTokenMissing))
	_, err = expired.ValidateToken("garbage")
	require.Equal(t, response.ErrTokenInvalid, authFailure(err))
}
