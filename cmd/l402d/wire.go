package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"L402-Agent/internal/agent"
	"L402-Agent/internal/assistant"
	"L402-Agent/internal/config"
	"L402-Agent/internal/guard"
	"L402-Agent/internal/knowledge"
	"L402-Agent/internal/l402"
	"L402-Agent/internal/lightning/lnd"
	"L402-Agent/internal/llm"
	"L402-Agent/internal/llm/openai"
	"L402-Agent/internal/llm/pythonbridge"
	"L402-Agent/internal/observability/alerting"
	storage "L402-Agent/internal/storage/mysql"
	"L402-Agent/internal/task"
	"L402-Agent/internal/tools"
	"L402-Agent/pkg/logger"
)

// runtime 持有一次进程运行期间组装好的组件。
type runtime struct {
	assistant *assistant.Service
	ledger    storage.Ledger
	tasks     *task.Service
	processor *task.Processor
	closers   []func() error
}

// Close 按组装的逆序释放资源。
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.String("error", err.Error()))
		}
	}
	_ = logger.Sync()
}

// build 组装问答入口与任务子系统。
func build(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt, err := buildAssistant(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.buildTasks(ctx, cfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// buildAssistant 初始化日志、节点连接、付费调用链与入口，不连接任务队列。
func buildAssistant(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.ledger = ledger
	rt.closers = append(rt.closers, ledger.Close)

	node, err := lnd.Dial(lnd.Config{
		Host:           cfg.Node.Host,
		Port:           cfg.Node.Port,
		CertPath:       cfg.Node.CertPath,
		MacaroonPath:   cfg.Node.MacaroonPath,
		PaymentTimeout: cfg.Node.PaymentTimeout(),
		MaxPaymentSat:  cfg.Node.MaxPaymentSat,
		FeeLimitSat:    cfg.Node.FeeLimitSat,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, node.Close)

	docs, err := loadDocs(cfg)
	if err != nil {
		return nil, err
	}
	allow := guard.New(cfg.PaidAPI.AllowedHosts)
	chain, err := l402.NewChain(l402.NewBuilder(llmClient, docs, cfg.LLM.OpenAI.Timeout()), node, allow,
		l402.WithHTTPTimeout(cfg.PaidAPI.HTTPTimeout()),
		l402.WithRecorder(ledger),
	)
	if err != nil {
		return nil, err
	}

	nodeSpecs, err := tools.NodeTools(node)
	if err != nil {
		return nil, err
	}
	paid, err := tools.PaidAPITool(chain, cfg.PaidAPI.ToolName, cfg.PaidAPI.ToolDescription)
	if err != nil {
		return nil, err
	}
	nodeRegistry, err := tools.NewRegistry(nodeSpecs...)
	if err != nil {
		return nil, err
	}
	entryRegistry, err := tools.NewRegistry(append(append([]*tools.Spec(nil), nodeSpecs...), paid)...)
	if err != nil {
		return nil, err
	}
	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()),
	}

	kb, err := loadKnowledge(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := assistant.New(assistant.Components{
		LLM:        llmClient,
		NodeAgent:  agent.New(llmClient, nodeRegistry, agentOpts...),
		EntryAgent: agent.New(llmClient, entryRegistry, agentOpts...),
		Chain:      chain,
		Knowledge:  kb,
		TargetHost: cfg.PaidAPI.TargetHost,
	},
		assistant.WithMode(assistant.Mode(cfg.Router.Mode)),
		assistant.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()),
		assistant.WithAlerter(newAlerter(cfg)),
	)
	if err != nil {
		return nil, err
	}
	rt.assistant = svc

	logger.L().Debug("assistant assembled",
		slog.String("node", cfg.Node.Address()),
		slog.Any("allowed_hosts", allow.Patterns()),
		slog.Any("tools", entryRegistry.Names()))
	ok = true
	return rt, nil
}

// buildTasks 根据配置选择任务存储与队列，并创建处理器。
func (rt *runtime) buildTasks(ctx context.Context, cfg *config.Config) error {
	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		s, err := task.NewMySQLStore(ctx, storageConfig(cfg.Storage.TaskStore))
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}

	var queue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		queue = task.NewMemoryQueue(cfg.TaskQueue.Buffer)
	case "redis":
		q, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		queue = q
	default:
		_ = store.Close()
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}

	rt.tasks = task.NewService(store, queue, cfg.Storage.TaskStore.Retries)
	rt.closers = append(rt.closers, rt.tasks.Close)
	rt.processor = task.NewProcessor(rt.assistant, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(newAlerter(cfg)),
	)
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (storage.Ledger, error) {
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		return storage.NewMemoryLedger(cfg.Runtime.DataDir)
	case "mysql":
		return storage.NewSQLLedger(ctx, storageConfig(cfg.Storage.Ledger))
	default:
		return nil, fmt.Errorf("未知的支付账本驱动: %s", cfg.Storage.Ledger.Driver)
	}
}

func storageConfig(c config.TaskStoreConfig) storage.Config {
	return storage.Config{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

func loadDocs(cfg *config.Config) (*l402.Documentation, error) {
	if cfg.PaidAPI.DocsFile != "" {
		return l402.LoadDocumentation(cfg.PaidAPI.DocsFile)
	}
	if strings.TrimSpace(cfg.PaidAPI.TargetHost) == "" {
		return nil, errors.New("未配置付费 API：需要 paid_api.docs_file 或 TARGET_HOST")
	}
	return l402.DefaultQuoteDocs(cfg.PaidAPI.TargetHost)
}

func loadKnowledge(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Knowledge.Source != "" {
		return knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
	}
	return knowledge.NewStaticProvider(knowledge.Builtin(), cfg.Knowledge.MaxResults), nil
}

func newAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key、api_key_env 或 OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
