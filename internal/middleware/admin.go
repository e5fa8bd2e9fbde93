package middleware

import (
	"crypto/hmac"
	"net/http"
)

// AdminTokenHeader задаёт заголовок с токеном оператора.
const AdminTokenHeader = "X-Admin-Token"

// AdminMiddleware пропускает только запросы с верным токеном оператора.
// Пустой токен в конфигурации закрывает доступ полностью.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || !hmac.Equal([]byte(got), []byte(token)) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
