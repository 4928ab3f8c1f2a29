package management

import (
	"sort"

	"drillcontrol/internal/config"
	"drillcontrol/internal/ipc"
	"drillcontrol/internal/logging"
	"drillcontrol/pkg/types"
)

// ConfigHandler applies reloaded configuration to the running system and
// answers preset queries from consoles. Only the log level and the site
// preset library take effect without a restart.
type ConfigHandler struct {
	configManager *config.ConfigManager
	applyPresets  func(map[string]types.ParameterSet)
	logger        *logging.Logger
}

func NewConfigHandler(configManager *config.ConfigManager, applyPresets func(map[string]types.ParameterSet), logger *logging.Logger) *ConfigHandler {
	return &ConfigHandler{
		configManager: configManager,
		applyPresets:  applyPresets,
		logger:        logger,
	}
}

// Apply 配置热加载回调
func (ch *ConfigHandler) Apply(cfg types.SystemConfig) {
	logging.GetManager().UpdateLevel(cfg.Logging.Level)
	if ch.applyPresets != nil {
		ch.applyPresets(clonePresets(cfg.Presets))
	}
	ch.logger.Info("Configuration applied", "log_level", cfg.Logging.Level, "presets", len(cfg.Presets))
}

// Register binds list_presets on the server.
func (ch *ConfigHandler) Register(s *ipc.IPCServer) {
	s.RegisterHandler(ipc.MsgListPresets, func(msg types.IPCMessage) {
		if err := s.SendToClient(msg.Source, ipc.NewResponse(msg, ch.Presets())); err != nil {
			ch.logger.Warn("Failed to reply", "client_id", msg.Source, "error", err)
		}
	})
}

// Presets lists the site library followed by the built-in sets it does
// not override, sorted by id.
func (ch *ConfigHandler) Presets() []types.ParameterSet {
	site := ch.configManager.GetConfig().Presets
	out := make([]types.ParameterSet, 0, len(site))
	for id, ps := range site {
		if ps.ID == "" {
			ps.ID = id
		}
		out = append(out, ps)
	}
	for _, id := range types.DefaultPresetIDs() {
		if _, overridden := site[id]; overridden {
			continue
		}
		if ps, ok := types.DefaultParameterSet(id); ok {
			out = append(out, ps)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clonePresets(in map[string]types.ParameterSet) map[string]types.ParameterSet {
	out := make(map[string]types.ParameterSet, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
