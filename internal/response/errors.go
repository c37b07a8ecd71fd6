package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrPermissionDenied      ErrCode = "PERMISSION_DENIED"
	ErrParticipantAccessOnly ErrCode = "PARTICIPANT_ACCESS_ONLY"
	ErrAdminAccessOnly       ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Quiz & attempt ────────────────────────────────────────────────
	ErrQuizNotFound        ErrCode = "QUIZ_NOT_FOUND"
	ErrQuizNotAvailable    ErrCode = "QUIZ_NOT_AVAILABLE"
	ErrNoQuestions         ErrCode = "NO_QUESTIONS"
	ErrInvalidQuizPassword ErrCode = "INVALID_QUIZ_PASSWORD"
	ErrAttemptLimitReached ErrCode = "ATTEMPT_LIMIT_REACHED"
	ErrAttemptNotFound     ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptClosed       ErrCode = "ATTEMPT_CLOSED"
	ErrAttemptNotStarted   ErrCode = "ATTEMPT_NOT_STARTED"
	ErrUnknownQuestion     ErrCode = "UNKNOWN_QUESTION"
	ErrMalformedAnswer     ErrCode = "MALFORMED_ANSWER"
	ErrUnknownEventKind    ErrCode = "UNKNOWN_EVENT_KIND"
	ErrInvalidIntent       ErrCode = "INVALID_INTENT"
	ErrSubmitFailed        ErrCode = "SUBMIT_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrParticipantAccessOnly:
		return "Sumber daya ini terbatas untuk peserta."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Quiz & attempt ────────────────────────────────────────────────
	case ErrQuizNotFound:
		return "Kuis tidak ditemukan."
	case ErrQuizNotAvailable:
		return "Kuis ini saat ini tidak tersedia."
	case ErrNoQuestions:
		return "Kuis ini tidak memiliki pertanyaan."
	case ErrInvalidQuizPassword:
		return "Kata sandi kuis salah."
	case ErrAttemptLimitReached:
		return "Batas jumlah percobaan telah tercapai."
	case ErrAttemptNotFound:
		return "Percobaan tidak ditemukan."
	case ErrAttemptClosed:
		return "Percobaan ini sudah ditutup."
	case ErrAttemptNotStarted:
		return "Percobaan ini belum dimulai."
	case ErrUnknownQuestion:
		return "Pertanyaan tidak ditemukan dalam kuis ini."
	case ErrMalformedAnswer:
		return "Format jawaban tidak sesuai dengan jenis pertanyaan."
	case ErrUnknownEventKind:
		return "Jenis kejadian pengawasan tidak dikenal."
	case ErrInvalidIntent:
		return "Tindakan tidak valid untuk percobaan ini."
	case ErrSubmitFailed:
		return "Pengumpulan gagal. Jawaban Anda tetap tersimpan, silakan coba lagi."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrServiceUnavailable:
		return "Layanan sedang tidak tersedia."
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
