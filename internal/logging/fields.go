package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述安装/激活阶段的日志字段，generation 为当前缓存代际。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}

// RequestFields 提供 origin/分类/策略/命中状态字段，供拦截请求日志复用。
func RequestFields(origin, class, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"class":     class,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}
