package gateway

// firstNonEmpty は最初の空でない値を返す。旧クライアントのフィールド名を受け付けるために使う。
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// registerRequest はユーザー登録のリクエスト。multipartとJSONのどちらでも受け付ける。
type registerRequest struct {
	DisplayName string `json:"displayName" form:"displayName"`
	Username    string `json:"username" form:"username"`
	Email       string `json:"email" form:"email"`
	Secret      string `json:"secret" form:"secret"`
	Password    string `json:"password" form:"password"`
}

// emailRequest はメールアドレスのみのリクエスト。
type emailRequest struct {
	Email string `json:"email"`
}

// loginRequest はログインのリクエスト。
type loginRequest struct {
	Email    string `json:"email"`
	Secret   string `json:"secret"`
	Password string `json:"password"`
}

// resetTokenRequest はリセットトークン確認のリクエスト。
type resetTokenRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// resetPasswordRequest はパスワード再設定のリクエスト。
type resetPasswordRequest struct {
	Token       string `json:"token"`
	Email       string `json:"email"`
	NewSecret   string `json:"newSecret"`
	NewPassword string `json:"newPassword"`
}

// updateProfileRequest はプロフィール更新のリクエスト。
type updateProfileRequest struct {
	CurrentSecret   string `json:"currentSecret"`
	CurrentPassword string `json:"currentPassword"`
	DisplayName     string `json:"displayName"`
	Username        string `json:"username"`
	NewSecret       string `json:"newSecret"`
	NewPassword     string `json:"newPassword"`
}

// moodRequest は気分ラベル更新のリクエスト。
type moodRequest struct {
	Mood string `json:"mood"`
}

// completionRequest はチャレンジ完了と保存のリクエスト。moodとchallengeは旧クライアントの名前。
type completionRequest struct {
	Category    string `json:"category"`
	Mood        string `json:"mood"`
	Subcategory string `json:"subcategory"`
	Challenge   string `json:"challenge"`
}

// assessmentRequest は評価記録のリクエスト。
type assessmentRequest struct {
	Category string `json:"category"`
	Mood     string `json:"mood"`
	Kind     string `json:"kind"`
	Type     string `json:"type"`
}
