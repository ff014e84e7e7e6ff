package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	SMSAPIURL        string `mapstructure:"SMS_API_URL"`
	SMSAccountSID    string `mapstructure:"SMS_ACCOUNT_SID"`
	SMSAuthToken     string `mapstructure:"SMS_AUTH_TOKEN"`
	SMSWebhookSecret string `mapstructure:"SMS_WEBHOOK_SECRET"`
	SMSWebhookURL    string `mapstructure:"SMS_WEBHOOK_URL"`

	NLUURL    string `mapstructure:"NLU_URL"`
	NLUModel  string `mapstructure:"NLU_MODEL"`
	NLUAPIKey string `mapstructure:"NLU_API_KEY"`

	GeocodeCenterLat float64 `mapstructure:"GEOCODE_CENTER_LAT"`
	GeocodeCenterLng float64 `mapstructure:"GEOCODE_CENTER_LNG"`
	GeocodeRegion    string  `mapstructure:"GEOCODE_REGION"`

	TemplatesPath    string        `mapstructure:"TEMPLATES_PATH"`
	SeedFile         string        `mapstructure:"SEED_FILE"`
	HandoffCeiling   int           `mapstructure:"HANDOFF_CEILING"`
	ClickToCallTTL   time.Duration `mapstructure:"CLICK_TO_CALL_TTL"`
	SessionLockTTL   time.Duration `mapstructure:"SESSION_LOCK_TTL"`
	WritebackChannel string        `mapstructure:"WRITEBACK_CHANNEL"`

	AllowCrewLeadApprove bool    `mapstructure:"ALLOW_CREW_LEAD_APPROVE"`
	AvgSpeedMPH          float64 `mapstructure:"AVG_SPEED_MPH"`
	SimDateRangeDays     int     `mapstructure:"SIM_DATE_RANGE_DAYS"`
	SimPersistTopN       int     `mapstructure:"SIM_PERSIST_TOP_N"`
	SimReturnTopN        int     `mapstructure:"SIM_RETURN_TOP_N"`
	SimConcurrency       int     `mapstructure:"SIM_CONCURRENCY"`
	SkillMatchMinPct     float64 `mapstructure:"SKILL_MATCH_MIN_PCT"`
	EquipmentMatchMinPct float64 `mapstructure:"EQUIPMENT_MATCH_MIN_PCT"`

	JobberAuthorizeURL string        `mapstructure:"JOBBER_AUTHORIZE_URL"`
	JobberClientID     string        `mapstructure:"JOBBER_CLIENT_ID"`
	JobberRedirectURL  string        `mapstructure:"JOBBER_REDIRECT_URL"`
	OAuthStateTTL      time.Duration `mapstructure:"OAUTH_STATE_TTL"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	// keys without a default are only seen by Unmarshal once bound
	for _, k := range []string{
		"DATABASE_URL", "REDIS_ADDR", "ADMIN_KEY", "JWT_SECRET",
		"SMS_API_URL", "SMS_ACCOUNT_SID", "SMS_AUTH_TOKEN", "SMS_WEBHOOK_SECRET", "SMS_WEBHOOK_URL",
		"NLU_URL", "NLU_API_KEY", "GEOCODE_REGION", "TEMPLATES_PATH", "SEED_FILE",
		"JOBBER_CLIENT_ID", "JOBBER_REDIRECT_URL",
	} {
		_ = v.BindEnv(k)
	}

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("NLU_MODEL", "gpt-4o-mini")
	v.SetDefault("GEOCODE_CENTER_LAT", 30.2672)
	v.SetDefault("GEOCODE_CENTER_LNG", -97.7431)
	v.SetDefault("HANDOFF_CEILING", 2)
	v.SetDefault("CLICK_TO_CALL_TTL", "30m")
	v.SetDefault("SESSION_LOCK_TTL", "15s")
	v.SetDefault("WRITEBACK_CHANNEL", "writeback")
	v.SetDefault("ALLOW_CREW_LEAD_APPROVE", false)
	v.SetDefault("AVG_SPEED_MPH", 30)
	v.SetDefault("SIM_DATE_RANGE_DAYS", 7)
	v.SetDefault("SIM_PERSIST_TOP_N", 10)
	v.SetDefault("SIM_RETURN_TOP_N", 5)
	v.SetDefault("SIM_CONCURRENCY", 8)
	v.SetDefault("SKILL_MATCH_MIN_PCT", 100)
	v.SetDefault("EQUIPMENT_MATCH_MIN_PCT", 100)
	v.SetDefault("JOBBER_AUTHORIZE_URL", "https://api.getjobber.com/api/oauth/authorize")
	v.SetDefault("OAUTH_STATE_TTL", "10m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CORSAllowed = strings.TrimSpace(cfg.CORSAllowed)
	return cfg, nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
// TurnTimeout leaves a third of the session lock TTL for persisting and
// replying after the engine returns.
func (c Config) TurnTimeout() time.Duration {
	return c.SessionLockTTL * 2 / 3
}

func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
